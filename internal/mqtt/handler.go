package mqtt

import "sync"

// Handler processes the raw body of a message received on one topic.
// Handle runs on the event loop and must not block; long work belongs in
// its own goroutine.
type Handler interface {
	Handle(payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(payload []byte)

// Handle calls f(payload).
func (f HandlerFunc) Handle(payload []byte) {
	f(payload)
}

type subscription struct {
	handler Handler
	qos     byte
}

// handlerRegistry maps topics to handlers. Registered topics are the set
// resubscribed after every reconnect.
type handlerRegistry struct {
	mu     sync.RWMutex
	topics map[string]subscription
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{topics: make(map[string]subscription)}
}

func (r *handlerRegistry) set(topic string, handler Handler, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.topics[topic]; ok {
		qos = existing.qos
	}
	r.topics[topic] = subscription{handler: handler, qos: qos}
}

func (r *handlerRegistry) setQoS(topic string, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.topics[topic]
	sub.qos = qos
	r.topics[topic] = sub
}

func (r *handlerRegistry) get(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.topics[topic]
	if !ok || sub.handler == nil {
		return nil, false
	}
	return sub.handler, true
}

func (r *handlerRegistry) snapshot() map[string]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]byte, len(r.topics))
	for topic, sub := range r.topics {
		out[topic] = sub.qos
	}
	return out
}
