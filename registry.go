package mqttv3

// DefaultMaxHandlers is the default capacity of a TopicRegistry.
const DefaultMaxHandlers = 5

type topicEntry struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// TopicRegistry maps subscription filters to handlers. It has a fixed
// capacity and keeps entries in insertion order. A registry belongs to one
// session loop and is not safe for concurrent use.
type TopicRegistry struct {
	entries        []topicEntry
	capacity       int
	defaultHandler MessageHandler
}

// NewTopicRegistry creates a registry holding at most capacity filters.
// defaultHandler receives messages no filter matches; it may be nil.
func NewTopicRegistry(capacity int, defaultHandler MessageHandler) *TopicRegistry {
	if capacity <= 0 {
		capacity = DefaultMaxHandlers
	}
	return &TopicRegistry{
		entries:        make([]topicEntry, 0, capacity),
		capacity:       capacity,
		defaultHandler: defaultHandler,
	}
}

// Add records a handler for the filter. Re-adding a filter replaces its
// handler and QoS in place. Adding a new filter to a full table returns a
// CapacityError.
func (r *TopicRegistry) Add(filter string, qos byte, handler MessageHandler) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	if qos > 2 {
		return ErrInvalidQoS
	}

	if i := r.index(filter); i >= 0 {
		r.entries[i].qos = qos
		r.entries[i].handler = handler
		return nil
	}

	if len(r.entries) >= r.capacity {
		return NewCapacityError("topic handlers", r.capacity, 0)
	}

	r.entries = append(r.entries, topicEntry{filter: filter, qos: qos, handler: handler})
	return nil
}

// Remove deletes the entry for the filter, keeping the order of the rest.
func (r *TopicRegistry) Remove(filter string) bool {
	i := r.index(filter)
	if i < 0 {
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return true
}

// Contains reports whether the filter is registered.
func (r *TopicRegistry) Contains(filter string) bool {
	return r.index(filter) >= 0
}

// Full reports whether a new filter would be rejected.
func (r *TopicRegistry) Full() bool {
	return len(r.entries) >= r.capacity
}

// Len returns the number of registered filters.
func (r *TopicRegistry) Len() int {
	return len(r.entries)
}

// Cap returns the registry capacity.
func (r *TopicRegistry) Cap() int {
	return r.capacity
}

// Clear drops every entry. The default handler is kept.
func (r *TopicRegistry) Clear() {
	r.entries = r.entries[:0]
}

// SetDefaultHandler replaces the handler for unmatched messages.
func (r *TopicRegistry) SetDefaultHandler(handler MessageHandler) {
	r.defaultHandler = handler
}

// Subscriptions returns the registered filters with their QoS, in table order.
func (r *TopicRegistry) Subscriptions() []Subscription {
	subs := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		subs = append(subs, Subscription{TopicFilter: e.filter, QoS: e.qos})
	}
	return subs
}

// Lookup finds the handler for a topic name: the first exact filter in
// table order, otherwise the first matching wildcard filter.
func (r *TopicRegistry) Lookup(topic string) (MessageHandler, string, bool) {
	for _, e := range r.entries {
		if e.filter == topic {
			return e.handler, e.filter, true
		}
	}
	for _, e := range r.entries {
		if IsWildcard(e.filter) && TopicMatch(e.filter, topic) {
			return e.handler, e.filter, true
		}
	}
	return nil, "", false
}

// Dispatch hands the message to exactly one handler: the matching entry,
// or the default handler when nothing matches. It reports whether a
// registered filter matched.
func (r *TopicRegistry) Dispatch(msg *Message) bool {
	handler, _, ok := r.Lookup(msg.Topic)
	if !ok {
		if r.defaultHandler != nil {
			r.defaultHandler(msg)
		}
		return false
	}
	if handler != nil {
		handler(msg)
	}
	return true
}

func (r *TopicRegistry) index(filter string) int {
	for i, e := range r.entries {
		if e.filter == filter {
			return i
		}
	}
	return -1
}
