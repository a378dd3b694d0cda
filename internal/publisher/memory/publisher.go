// Package memory contains an in-memory publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records published run events for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// TopicMessages returns the recorded publishes for one topic.
func (p *Publisher) TopicMessages(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, msg := range p.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
