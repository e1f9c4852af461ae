package mqttv3

import "fmt"

// ProducerInterceptor sees every message before it is encoded into a PUBLISH.
// Interceptors run in configuration order on the session loop, each one
// receiving the result of the previous one.
type ProducerInterceptor interface {
	// OnSend returns the message to publish. Returning nil drops it; the
	// Publish call then succeeds without anything reaching the broker.
	//
	// The message is not a copy.
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor sees every inbound message after it was acknowledged
// and before it is dispatched to the topic registry.
type ConsumerInterceptor interface {
	// OnConsume returns the message to dispatch. Returning nil drops it.
	//
	// The message is not a copy.
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend calls f(msg).
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// safelyIntercept runs fn and falls back to msg if it panics.
func safelyIntercept(logger Logger, kind string, msg *Message, fn func(*Message) *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(kind+" interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = msg
		}
	}()
	return fn(msg)
}

// applyProducerInterceptors runs the chain in order. A nil result ends the
// chain and is returned as is.
func applyProducerInterceptors(logger Logger, interceptors []ProducerInterceptor, msg *Message) *Message {
	for _, interceptor := range interceptors {
		if msg == nil {
			return nil
		}
		msg = safelyIntercept(logger, "producer", msg, interceptor.OnSend)
	}
	return msg
}

// applyConsumerInterceptors runs the chain in order. A nil result ends the
// chain and is returned as is.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, msg *Message) *Message {
	for _, interceptor := range interceptors {
		if msg == nil {
			return nil
		}
		msg = safelyIntercept(logger, "consumer", msg, interceptor.OnConsume)
	}
	return msg
}
