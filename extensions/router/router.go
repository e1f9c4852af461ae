// Package router fans the messages of one subscription out to several
// handlers. A single wildcard subscription routed this way keeps the
// session's topic table small.
package router

import (
	"regexp"
	"sync"

	"github.com/vitalvas/mqttv3"
)

// Handler processes an MQTT message.
type Handler func(msg *mqttv3.Message)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter   *string
	qos           *byte
	retain        *bool
	payloadRegexp *regexp.Regexp
	envelopeKeys  []string
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetain filters messages by the retain flag.
func WithRetain(retain bool) ConditionOption {
	return func(c *Condition) {
		c.retain = &retain
	}
}

// WithPayload filters messages by payload regexp pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

// WithEnvelopeKey matches JSON envelopes that carry key in their top-level
// object (or the first object of a top-level array).
// Can be called multiple times; every key must be present.
func WithEnvelopeKey(key string) ConditionOption {
	return func(c *Condition) {
		c.envelopeKeys = append(c.envelopeKeys, key)
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("dev1/tasks/#"))
//	r.Handle(handler, WithTopic("sensors/+/state"), WithQoS(1))
//	r.Handle(handler, WithEnvelopeKey("command"))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttv3.Message) bool {
	if c.topicFilter != nil && !mqttv3.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retain != nil && *c.retain != msg.Retain {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(msg.Payload) {
		return false
	}
	if len(c.envelopeKeys) > 0 {
		doc := string(msg.Payload)
		for _, key := range c.envelopeKeys {
			if _, ok := mqttv3.GetValue(doc, key); !ok {
				return false
			}
		}
	}
	return true
}

// Route dispatches a message to all matching handlers.
// Multiple handlers may be called if multiple conditions match.
func (r *Router) Route(msg *mqttv3.Message) {
	if msg == nil {
		return
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(msg)
	}
}

// Filters returns all unique registered topic filters.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	filters := make([]string, 0)
	for _, reg := range r.handlers {
		f := reg.condition.topicFilter
		if f == nil {
			continue
		}
		if _, ok := seen[*f]; ok {
			continue
		}
		seen[*f] = struct{}{}
		filters = append(filters, *f)
	}
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// MessageHandler returns a handler for Session subscriptions, for example
// mqttv3.WithSubscription("sensors/#", 1, r.MessageHandler()) or
// mqttv3.WithDefaultHandler(r.MessageHandler()).
func (r *Router) MessageHandler() mqttv3.MessageHandler {
	return func(msg *mqttv3.Message) {
		r.Route(msg)
	}
}
