package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultLookback      = 72 * time.Hour
	defaultAckWait       = 2 * time.Minute
	defaultMaxAckPending = 256
	defaultPullBatch     = 64
)

type JetStreamOptions struct {
	URL     string
	Stream  string
	Durable string
	// StreamSubjects, when set, creates or updates the stream on connect.
	StreamSubjects []string
	// Lookback places the start of a new durable consumer at now minus
	// this window instead of the beginning of the stream.
	Lookback           time.Duration
	AckWait            time.Duration
	MaxDeliver         int
	MaxAckPending      int
	PullBatch          int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Logger             *slog.Logger
	Now                func() time.Time
}

// JetStreamSource reads from a durable pull consumer. The durable name
// survives restarts so unacked deliveries are redelivered to the next
// process. Transport loss is retried without bound.
type JetStreamSource struct {
	opts   JetStreamOptions
	logger *slog.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	js       jetstream.JetStream
	iter     jetstream.MessagesContext
	subjects []string
	changed  chan struct{}
	closed   bool
}

func NewJetStreamSource(opts JetStreamOptions, subjects []string) (*JetStreamSource, error) {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = nats.DefaultURL
	}
	if strings.TrimSpace(opts.Stream) == "" || strings.TrimSpace(opts.Durable) == "" {
		return nil, fmt.Errorf("jetstream source needs a stream and a durable name")
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}
	if opts.MaxAckPending <= 0 {
		opts.MaxAckPending = defaultMaxAckPending
	}
	if opts.PullBatch <= 0 {
		opts.PullBatch = defaultPullBatch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamSource{
		opts:     opts,
		logger:   logger.With("stream", opts.Stream, "durable", opts.Durable),
		subjects: normalizeSubjects(subjects),
		changed:  make(chan struct{}),
	}, nil
}

// consumerConfig is the configuration of a freshly created durable.
func (o JetStreamOptions) consumerConfig(subjects []string, now time.Time) jetstream.ConsumerConfig {
	start := now.Add(-o.Lookback).UTC()
	return jetstream.ConsumerConfig{
		Durable:        o.Durable,
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &start,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        o.AckWait,
		MaxDeliver:     o.MaxDeliver,
		MaxAckPending:  o.MaxAckPending,
		FilterSubjects: slices.Clone(subjects),
	}
}

// withFilter keeps an existing durable's identity and start position and
// swaps only its subject filter.
func withFilter(existing jetstream.ConsumerConfig, subjects []string) jetstream.ConsumerConfig {
	existing.FilterSubject = ""
	existing.FilterSubjects = slices.Clone(subjects)
	return existing
}

func normalizeSubjects(subjects []string) []string {
	out := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		if subject = strings.TrimSpace(subject); subject != "" {
			out = append(out, subject)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *JetStreamSource) Next(ctx context.Context) (Message, error) {
	attempt := 0
	for {
		iter, paused, err := s.iterator(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return nil, err
			}
			attempt++
			delay := retryDelay(s.opts.ReconnectBaseDelay, s.opts.ReconnectMaxDelay, attempt)
			s.logger.Warn("jetstream subscribe failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if iter == nil {
			select {
			case <-paused:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		stop := context.AfterFunc(ctx, iter.Stop)
		msg, err := iter.Next()
		stop()
		if err == nil {
			return &jetStreamMessage{msg: msg}, nil
		}
		s.dropIterator(iter)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			if s.isClosed() {
				return nil, ErrSourceClosed
			}
			// stopped by a filter update
			continue
		}
		attempt++
		delay := retryDelay(s.opts.ReconnectBaseDelay, s.opts.ReconnectMaxDelay, attempt)
		s.logger.Warn("jetstream receive failed, resubscribing", "attempt", attempt, "delay", delay.String(), "error", err)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
}

// iterator returns the live message iterator, creating the connection and
// the durable consumer as needed. With an empty filter it returns no
// iterator and a channel closed on the next filter change.
func (s *JetStreamSource) iterator(ctx context.Context) (jetstream.MessagesContext, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSourceClosed
	}
	if s.iter != nil {
		return s.iter, nil, nil
	}
	if len(s.subjects) == 0 {
		return nil, s.changed, nil
	}
	if err := s.connectLocked(ctx); err != nil {
		return nil, nil, err
	}
	cons, err := s.ensureConsumerLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	iter, err := cons.Messages(jetstream.PullMaxMessages(s.opts.PullBatch))
	if err != nil {
		return nil, nil, err
	}
	s.iter = iter
	s.logger.Info("jetstream consumer subscribed", "subjects", len(s.subjects))
	return iter, nil, nil
}

func (s *JetStreamSource) dropIterator(iter jetstream.MessagesContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iter == iter {
		s.iter.Stop()
		s.iter = nil
	}
}

func (s *JetStreamSource) connectLocked(ctx context.Context) error {
	if s.nc != nil && !s.nc.IsClosed() && s.js != nil {
		return nil
	}
	logger := s.logger
	nc, err := nats.Connect(s.opts.URL,
		nats.Name("gitmirror"),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return retryDelay(s.opts.ReconnectBaseDelay, s.opts.ReconnectMaxDelay, attempts)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.opts.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return err
	}
	if len(s.opts.StreamSubjects) > 0 {
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     s.opts.Stream,
			Subjects: s.opts.StreamSubjects,
		}); err != nil {
			nc.Close()
			return fmt.Errorf("ensure stream %s: %w", s.opts.Stream, err)
		}
	}
	s.nc = nc
	s.js = js
	return nil
}

func (s *JetStreamSource) ensureConsumerLocked(ctx context.Context) (jetstream.Consumer, error) {
	stream, err := s.js.Stream(ctx, s.opts.Stream)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", s.opts.Stream, err)
	}
	cons, err := stream.Consumer(ctx, s.opts.Durable)
	switch {
	case err == nil:
		current := cons.CachedInfo().Config
		if slices.Equal(normalizeSubjects(current.FilterSubjects), s.subjects) {
			return cons, nil
		}
		return stream.UpdateConsumer(ctx, withFilter(current, s.subjects))
	case errors.Is(err, jetstream.ErrConsumerNotFound):
		return stream.CreateConsumer(ctx, s.opts.consumerConfig(s.subjects, s.opts.Now()))
	default:
		return nil, fmt.Errorf("consumer %s: %w", s.opts.Durable, err)
	}
}

// UpdateFilter replaces the subject filter of the durable consumer. The
// start position is kept. An empty list pauses delivery.
func (s *JetStreamSource) UpdateFilter(ctx context.Context, subjects []string) error {
	subjects = normalizeSubjects(subjects)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if slices.Equal(subjects, s.subjects) {
		return nil
	}
	s.subjects = subjects
	if s.iter != nil {
		s.iter.Stop()
		s.iter = nil
	}
	var err error
	if s.js != nil && len(subjects) > 0 {
		_, err = s.ensureConsumerLocked(ctx)
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.logger.Info("jetstream filter updated", "subjects", len(subjects))
	return err
}

func (s *JetStreamSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *JetStreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.iter != nil {
		s.iter.Stop()
		s.iter = nil
	}
	close(s.changed)
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}

type jetStreamMessage struct {
	msg jetstream.Msg
}

func (m *jetStreamMessage) Subject() string { return m.msg.Subject() }
func (m *jetStreamMessage) Data() []byte { return m.msg.Data() }

func (m *jetStreamMessage) Header(key string) string {
	return m.msg.Headers().Get(key)
}

func (m *jetStreamMessage) Deliveries() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil || meta == nil {
		return 1
	}
	return meta.NumDelivered
}

func (m *jetStreamMessage) Ack() error { return m.msg.Ack() }

func (m *jetStreamMessage) Nak(delay time.Duration) error {
	if delay > 0 {
		return m.msg.NakWithDelay(delay)
	}
	return m.msg.Nak()
}

// JetStreamPublisher publishes events with a message id so the stream
// drops duplicate publishes.
type JetStreamPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewJetStreamPublisher(url string) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("gitmirror-publisher"))
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &JetStreamPublisher{nc: nc, js: js}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	_, err := p.js.Publish(ctx, subject, data, opts...)
	return err
}

func (p *JetStreamPublisher) Close() error {
	return p.nc.Drain()
}
