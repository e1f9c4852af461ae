package mqttv3

import "sync"

// Bearer provides the data connection the session runs over, such as a
// cellular PDP context. The manager requests it on connect and releases it
// on disconnect; notify reports the bearer going up or down.
type Bearer interface {
	Request(notify func(up bool)) error
	Release()
}

// StaticBearer is a bearer that is always up, for hosts with a permanent
// network connection.
type StaticBearer struct {
	mu     sync.Mutex
	notify func(up bool)
}

// Request reports the bearer up immediately.
func (b *StaticBearer) Request(notify func(up bool)) error {
	b.mu.Lock()
	b.notify = notify
	b.mu.Unlock()

	notify(true)
	return nil
}

// Release forgets the requester.
func (b *StaticBearer) Release() {
	b.mu.Lock()
	b.notify = nil
	b.mu.Unlock()
}

// SetUp simulates the bearer going up or down, for example when the host
// network changes.
func (b *StaticBearer) SetUp(up bool) {
	b.mu.Lock()
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify(up)
	}
}
