package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmpty is returned by Dequeue when nothing arrived before the timeout.
var ErrEmpty = errors.New("queue is empty")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("messaging: closed")

// Broker defines the interface for fan-out publish/subscribe.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	// Subscribe delivers payloads until ctx is cancelled, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Queue is a work queue: every message is handed to exactly one consumer.
type Queue interface {
	Enqueue(ctx context.Context, queue string, message interface{}) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Close() error
}

// Encode turns a message into its wire bytes. Raw bytes pass through.
func Encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	case string:
		return []byte(m), nil
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return payload, nil
}
