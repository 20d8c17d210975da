// Package consumer delivers provider events from a durable, replayable
// stream to a dispatcher, at least once, with explicit ack and nak.
package consumer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnhandled marks events nobody handles. They are acked and dropped.
	ErrUnhandled    = errors.New("no handler for event")
	ErrSourceClosed = errors.New("message source closed")
)

// Message is one delivery of a stream message.
type Message interface {
	Subject() string
	Data() []byte
	Header(key string) string
	// Deliveries counts this delivery; 1 on first delivery.
	Deliveries() uint64
	Ack() error
	// Nak asks for redelivery after delay; zero redelivers right away.
	Nak(delay time.Duration) error
}

// Source blocks until the next message matching the current filter is
// available. An empty filter pauses delivery.
type Source interface {
	Next(ctx context.Context) (Message, error)
	UpdateFilter(ctx context.Context, subjects []string) error
	Close() error
}

// Dispatcher handles one message. A nil error acks. Errors wrapping
// ErrUnhandled or permanent mirror errors ack as well; anything else naks.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

type DispatcherFunc func(ctx context.Context, msg Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Publisher writes one event body to its subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// PublishEvent publishes data under the subject of the given event.
func PublishEvent(ctx context.Context, p Publisher, provider, owner, repo, eventType string, data []byte, msgID string) (string, error) {
	subject := Subject(provider, owner, repo, eventType)
	return subject, p.Publish(ctx, subject, data, msgID)
}
