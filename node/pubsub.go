package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// Message is one published event: an arbitrary topic name plus
// payload, generalized from the teacher's 17-ipni/pkg/pubsub.go
// PubSubManager (there specialized to IPNI announcement messages) to
// an arbitrary-topic fan-out per SPEC_FULL.md §5's "Publish/Subscribe"
// supplemented feature.
type Message struct {
	Topic  string
	From   peer.ID
	Data   []byte
}

// Handler receives messages delivered on a subscription.
type Handler func(Message)

// Subscription is returned by Subscribe; Cancel stops delivery.
type Subscription struct {
	cancel func()
}

// Cancel unsubscribes. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// pubsub is a minimal in-process topic fan-out: every Publish on a
// topic is delivered to every Handler currently subscribed to it.
// Grounded in the teacher's PubSubManager.topics map and per-topic
// buffered-channel dispatch loop, simplified to direct synchronous
// fan-out since this module does not need the teacher's
// message-type/validator/filter pipeline.
type pubsub struct {
	mu     sync.RWMutex
	topics map[string]map[int]Handler
	nextID int
	logger zerolog.Logger
}

func newPubSub(logger zerolog.Logger) *pubsub {
	return &pubsub{
		topics: make(map[string]map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers h to receive every message published on topic.
func (p *pubsub) Subscribe(topic string, h Handler) *Subscription {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	handlers, ok := p.topics[topic]
	if !ok {
		handlers = make(map[int]Handler)
		p.topics[topic] = handlers
	}
	handlers[id] = h
	p.mu.Unlock()

	return &Subscription{cancel: func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if hs, ok := p.topics[topic]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(p.topics, topic)
			}
		}
	}}
}

// Publish delivers msg to every handler currently subscribed to
// topic. Handlers run synchronously on the caller's goroutine in
// snapshot order; a slow or blocking handler should hand off to its
// own goroutine.
func (p *pubsub) Publish(ctx context.Context, topic string, from peer.ID, data []byte) error {
	p.mu.RLock()
	handlers := make([]Handler, 0, len(p.topics[topic]))
	for _, h := range p.topics[topic] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}
	msg := Message{Topic: topic, From: from, Data: data}
	for _, h := range handlers {
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s cancelled: %w", topic, ctx.Err())
		default:
			h(msg)
		}
	}
	return nil
}
