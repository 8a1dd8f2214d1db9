// Package bus provides the async message bus between channels and the agent.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// InboundMessage represents a message from a channel to the agent.
type InboundMessage struct {
	Channel  string         `json:"channel"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	TraceID  string         `json:"trace_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Mode optionally requests an autonomy mode for a session created by
	// this message. It can only narrow the configured mode, and existing
	// sessions keep theirs.
	Mode      string    `json:"mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundMessage represents a message from the agent to a channel.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
	// State is the final loop state of the turn that produced this message.
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// MessageBus decouples channels from the agent core.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	all      []func(*OutboundMessage)
	mu       sync.RWMutex
}

// DefaultQueueSize bounds each direction of a bus from NewMessageBus.
const DefaultQueueSize = 100

// NewMessageBus creates a bus with DefaultQueueSize queues.
func NewMessageBus() *MessageBus {
	return NewMessageBusSize(DefaultQueueSize)
}

// NewMessageBusSize creates a bus whose queues hold n messages each.
func NewMessageBusSize(n int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, n),
		outbound: make(chan *OutboundMessage, n),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound sends a message from a channel to the agent. It blocks
// while the queue is full unless ctx ends first.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a reply for the dispatcher. A session worker must
// never wait on a slow channel, so a full queue drops the message and
// reports false.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	default:
		slog.Warn("Outbound queue full, dropping message", "channel", msg.Channel, "chat", msg.ChatID, "trace", msg.TraceID)
		return false
	}
}

// Subscribe registers a callback for outbound messages to a specific channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// SubscribeAll registers a callback for every outbound message.
func (b *MessageBus) SubscribeAll(callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, callback)
}

// DispatchOutbound runs the outbound message dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := append([]func(*OutboundMessage){}, b.subs[msg.Channel]...)
			callbacks = append(callbacks, b.all...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
