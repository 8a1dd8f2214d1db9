package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes entries to a topic, keyed by session id so one
// session's entries land on one partition in order. A single goroutine
// owns the writer.
type KafkaSink struct {
	writer messageWriter
	queue  chan kafka.Message
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSink creates a publisher for brokers/topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka audit sink requires brokers and topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaSink(w, 1024), nil
}

func newKafkaSink(w messageWriter, buffer int) *KafkaSink {
	s := &KafkaSink{
		writer: w,
		queue:  make(chan kafka.Message, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.writer.WriteMessages(ctx, msg); err != nil {
			slog.Warn("Audit: kafka publish failed", "key", string(msg.Key), "error", err)
		}
		cancel()
	}
}

// Write enqueues the entry. It blocks when the queue is full until ctx ends.
func (s *KafkaSink) Write(ctx context.Context, e Entry) error {
	e = Prepare(e)
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.SessionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "tool", Value: []byte(e.Name)},
		},
		Time: e.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("kafka audit sink closed")
	}
	select {
	case s.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued entries and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.writer.Close()
}
