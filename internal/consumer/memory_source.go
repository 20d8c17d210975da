package consumer

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemorySource is an in-process stream. Messages outside the current
// filter stay queued until the filter covers them. Naked messages are
// queued again after their delay.
type MemorySource struct {
	mu       sync.Mutex
	queue    []*memoryMessage
	subjects []string
	notify   chan struct{}
	closed   bool
	acked    []string
	naked    []string
}

func NewMemorySource(subjects ...string) *MemorySource {
	return &MemorySource{
		subjects: slices.Clone(subjects),
		notify:   make(chan struct{}),
	}
}

func (s *MemorySource) Publish(_ context.Context, subject string, data []byte, msgID string) error {
	s.push(&memoryMessage{
		source:  s,
		subject: subject,
		data:    slices.Clone(data),
		headers: map[string]string{"Nats-Msg-Id": msgID},
	})
	return nil
}

func (s *MemorySource) push(msg *memoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	s.signalLocked()
}

func (s *MemorySource) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *MemorySource) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSourceClosed
		}
		for i, msg := range s.queue {
			if matchesAny(s.subjects, msg.subject) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				msg.deliveries++
				s.mu.Unlock()
				return msg, nil
			}
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemorySource) UpdateFilter(_ context.Context, subjects []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = slices.Clone(subjects)
	s.signalLocked()
	return nil
}

func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.signalLocked()
	}
	return nil
}

// Acked lists the subjects of acked messages in ack order.
func (s *MemorySource) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.acked)
}

// Naked lists the subjects of naked messages in nak order.
func (s *MemorySource) Naked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.naked)
}

// Pending counts queued messages, matching the filter or not.
func (s *MemorySource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type memoryMessage struct {
	source     *MemorySource
	subject    string
	data       []byte
	headers    map[string]string
	deliveries uint64
}

func (m *memoryMessage) Subject() string { return m.subject }
func (m *memoryMessage) Data() []byte { return m.data }
func (m *memoryMessage) Header(key string) string { return m.headers[key] }
func (m *memoryMessage) Deliveries() uint64 { return m.deliveries }

func (m *memoryMessage) Ack() error {
	m.source.mu.Lock()
	defer m.source.mu.Unlock()
	m.source.acked = append(m.source.acked, m.subject)
	return nil
}

func (m *memoryMessage) Nak(delay time.Duration) error {
	m.source.mu.Lock()
	m.source.naked = append(m.source.naked, m.subject)
	m.source.mu.Unlock()
	if delay <= 0 {
		m.source.push(m)
		return nil
	}
	time.AfterFunc(delay, func() { m.source.push(m) })
	return nil
}

// matchesAny reports whether subject matches one of the filters using
// stream wildcard rules: "*" matches one token, ">" the rest.
func matchesAny(filters []string, subject string) bool {
	for _, filter := range filters {
		if subjectMatches(filter, subject) {
			return true
		}
	}
	return false
}

func subjectMatches(filter, subject string) bool {
	f := strings.Split(filter, subjectSeparator)
	s := strings.Split(subject, subjectSeparator)
	for i, token := range f {
		if token == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if token != "*" && token != s[i] {
			return false
		}
	}
	return len(f) == len(s)
}
