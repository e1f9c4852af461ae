package mqttv3

import "time"

// loopTimer is a single-shot timer whose expiry runs on the session loop.
//
// All methods must be called from the loop. Start, Restart and Stop may be
// called any number of times, including from inside another timer's fire
// function: each arming gets a new generation and a fire that arrives for
// an older generation, or after Stop, is discarded.
type loopTimer struct {
	name  string
	post  func(func()) bool
	fire  func()
	timer *time.Timer
	gen   uint64
	armed bool
}

func newLoopTimer(name string, post func(func()) bool, fire func()) *loopTimer {
	return &loopTimer{
		name: name,
		post: post,
		fire: fire,
	}
}

// Start arms the timer unless it is already armed.
func (t *loopTimer) Start(d time.Duration) {
	if t.armed {
		return
	}
	t.Restart(d)
}

// Restart (re)arms the timer to fire after d.
func (t *loopTimer) Restart(d time.Duration) {
	t.Stop()

	t.gen++
	gen := t.gen
	t.armed = true
	t.timer = time.AfterFunc(d, func() {
		t.post(func() { t.expire(gen) })
	})
}

// Stop disarms the timer.
func (t *loopTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed = false
}

// Armed reports whether the timer will fire.
func (t *loopTimer) Armed() bool {
	return t.armed
}

func (t *loopTimer) expire(gen uint64) {
	if !t.armed || gen != t.gen {
		return
	}
	t.armed = false
	t.timer = nil
	t.fire()
}
