package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/gitmirror/internal/metrics"
	"github.com/agentworkforce/gitmirror/internal/mirror"
)

const (
	defaultWorkers        = 8
	defaultHandlerTimeout = 60 * time.Second
	defaultNakDelay       = time.Second
	defaultMaxNakDelay    = time.Minute
)

var ErrHandlerTimeout = errors.New("handler timed out")

type Options struct {
	Workers        int
	HandlerTimeout time.Duration
	// NakDelay is the first redelivery delay; it doubles per delivery up
	// to MaxNakDelay.
	NakDelay    time.Duration
	MaxNakDelay time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Consumer pulls messages from a Source and hands each to a bounded pool
// of workers. Every message ends acked or naked:
//
//	handler ok, unhandled type, permanent error -> ack
//	handler error, timeout, panic                -> nak
type Consumer struct {
	source     Source
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
}

func New(source Source, dispatcher Dispatcher, opts Options) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	if opts.NakDelay <= 0 {
		opts.NakDelay = defaultNakDelay
	}
	if opts.MaxNakDelay <= 0 {
		opts.MaxNakDelay = defaultMaxNakDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{source: source, dispatcher: dispatcher, opts: opts, logger: logger}
}

// UpdateFilter forwards a new monitored subject set to the source.
func (c *Consumer) UpdateFilter(ctx context.Context, subjects []string) error {
	return c.source.UpdateFilter(ctx, subjects)
}

// Run consumes until ctx is done or the source closes. Messages already
// handed to a worker are finished before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	jobs := make(chan Message)
	done := make(chan struct{})
	for i := 0; i < c.opts.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for msg := range jobs {
				c.handle(ctx, msg)
			}
		}()
	}

	var runErr error
receive:
	for {
		msg, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrSourceClosed) {
				runErr = err
			}
			break
		}
		select {
		case jobs <- msg:
		case <-ctx.Done():
			// Not started; the stream redelivers it after the ack wait.
			break receive
		}
	}
	close(jobs)
	for i := 0; i < c.opts.Workers; i++ {
		<-done
	}
	return runErr
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	eventType := eventTypeOf(msg.Subject())
	logger := c.logger.With("subject", msg.Subject(), "event_type", eventType, "deliveries", msg.Deliveries())
	if id := msg.Header("Nats-Msg-Id"); id != "" {
		logger = logger.With("message_id", id)
	}

	started := time.Now()
	err := c.dispatch(ctx, msg)
	elapsed := time.Since(started)

	var outcome string
	switch {
	case err == nil:
		outcome = metrics.OutcomeAcked
		c.ack(logger, msg)
	case errors.Is(err, ErrUnhandled):
		outcome = metrics.OutcomeDropped
		logger.Debug("event without handler, dropped", "error", err)
		c.ack(logger, msg)
	case mirror.IsPermanent(err):
		// Redelivery can never succeed, so ack instead of looping.
		outcome = metrics.OutcomeRejected
		logger.Error("event rejected", "error", err)
		c.ack(logger, msg)
	default:
		outcome = metrics.OutcomeNaked
		delay := retryDelay(c.opts.NakDelay, c.opts.MaxNakDelay, int(msg.Deliveries()))
		logger.Warn("event failed, redelivering", "error", err, "delay", delay.String())
		if nakErr := msg.Nak(delay); nakErr != nil {
			logger.Warn("nak failed", "error", nakErr)
		}
	}
	c.opts.Metrics.ObserveMessage(outcome, eventType, elapsed)
}

func (c *Consumer) ack(logger *slog.Logger, msg Message) {
	if err := msg.Ack(); err != nil {
		logger.Warn("ack failed", "error", err)
	}
}

// dispatch runs the handler with a timeout. The handler's context is not
// tied to the consumer's so shutdown never interrupts a handler midway.
// A handler still running at the timeout is left to finish on its own.
func (c *Consumer) dispatch(ctx context.Context, msg Message) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandlerTimeout)
	result := make(chan error, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		result <- c.dispatcher.Dispatch(hctx, msg)
	}()
	timer := time.NewTimer(c.opts.HandlerTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, c.opts.HandlerTimeout)
	}
}

func eventTypeOf(subject string) string {
	parts, err := ParseSubject(subject)
	if err != nil {
		return "unknown"
	}
	return parts.EventType
}
