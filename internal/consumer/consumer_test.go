package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

func runConsumer(t *testing.T, source Source, dispatcher Dispatcher, opts Options) (cancel func()) {
	t.Helper()
	if opts.NakDelay == 0 {
		opts.NakDelay = time.Millisecond
		opts.MaxNakDelay = 5 * time.Millisecond
	}
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := New(source, dispatcher, opts)
	go func() { done <- c.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func publish(t *testing.T, source *MemorySource, subjects ...string) {
	t.Helper()
	for i, subject := range subjects {
		require.NoError(t, source.Publish(context.Background(), subject, []byte(`{}`), fmt.Sprintf("msg-%d", i)))
	}
}

func TestConsumerRedeliversTransientFailures(t *testing.T) {
	source := NewMemorySource("github.>")
	var mu sync.Mutex
	attempts := map[string]int{}
	dispatcher := DispatcherFunc(func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[msg.Subject()]++
		if msg.Subject() == "github.acme.api.issues" && attempts[msg.Subject()] == 1 {
			return errors.New("database busy")
		}
		return nil
	})
	stop := runConsumer(t, source, dispatcher, Options{Workers: 2})
	defer stop()

	publish(t, source, "github.acme.api.issues", "github.acme.api.pull_request")

	require.Eventually(t, func() bool { return len(source.Acked()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"github.acme.api.issues"}, source.Naked())
	mu.Lock()
	assert.Equal(t, 2, attempts["github.acme.api.issues"])
	mu.Unlock()
}

func TestConsumerAcksPermanentAndUnhandled(t *testing.T) {
	source := NewMemorySource("github.>")
	dispatcher := DispatcherFunc(func(_ context.Context, msg Message) error {
		switch msg.Subject() {
		case "github.acme.api.star":
			return fmt.Errorf("%w: star", ErrUnhandled)
		case "github.acme.api.issues":
			return fmt.Errorf("%w: no event type", mirror.ErrMalformedEnvelope)
		default:
			return &mirror.SkipError{Kind: mirror.KindIssue, Reason: "missing native id", Err: mirror.ErrMissingNativeID}
		}
	})
	stop := runConsumer(t, source, dispatcher, Options{Workers: 1})
	defer stop()

	publish(t, source, "github.acme.api.star", "github.acme.api.issues", "github.acme.api.issue_comment")

	require.Eventually(t, func() bool { return len(source.Acked()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, source.Naked())
}

func TestConsumerNaksPanicsAndTimeouts(t *testing.T) {
	source := NewMemorySource("github.>")
	var mu sync.Mutex
	seen := map[string]int{}
	release := make(chan struct{})
	dispatcher := DispatcherFunc(func(ctx context.Context, msg Message) error {
		mu.Lock()
		seen[msg.Subject()]++
		n := seen[msg.Subject()]
		mu.Unlock()
		if n > 1 {
			return nil
		}
		switch msg.Subject() {
		case "github.acme.api.issues":
			panic("nil map")
		default:
			<-release
			return nil
		}
	})
	stop := runConsumer(t, source, dispatcher, Options{Workers: 2, HandlerTimeout: 20 * time.Millisecond})
	defer func() {
		close(release)
		stop()
	}()

	publish(t, source, "github.acme.api.issues", "github.acme.api.discussion")

	require.Eventually(t, func() bool { return len(source.Acked()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"github.acme.api.issues", "github.acme.api.discussion"}, source.Naked())
}

func TestConsumerStopsWhenSourceCloses(t *testing.T) {
	source := NewMemorySource("github.>")
	c := New(source, DispatcherFunc(func(context.Context, Message) error { return nil }), Options{Workers: 1})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.NoError(t, source.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after close")
	}
}

func TestMemorySourceEmptyFilterPausesDelivery(t *testing.T) {
	source := NewMemorySource()
	publish(t, source, "github.acme.api.issues")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := source.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, source.Pending())

	got := make(chan Message, 1)
	go func() {
		msg, err := source.Next(context.Background())
		if err == nil {
			got <- msg
		}
	}()
	require.NoError(t, source.UpdateFilter(context.Background(), []string{"github.acme.>"}))
	select {
	case msg := <-got:
		assert.Equal(t, "github.acme.api.issues", msg.Subject())
		assert.Equal(t, uint64(1), msg.Deliveries())
		assert.Equal(t, "msg-0", msg.Header("Nats-Msg-Id"))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after filter update")
	}
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		filter, subject string
		want            bool
	}{
		{"github.acme.>", "github.acme.api.issues", true},
		{"github.acme.api.>", "github.acme.api.issues", true},
		{"github.acme.api.>", "github.acme.web.issues", false},
		{"github.*.api.issues", "github.acme.api.issues", true},
		{"github.acme.>", "github.acme", false},
		{"github.acme.api.issues", "github.acme.api.issues", true},
		{"github.acme.api", "github.acme.api.issues", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.filter, tc.subject), "%s ~ %s", tc.filter, tc.subject)
	}
}

func TestSubjectNaming(t *testing.T) {
	subject := Subject("github", "Acme.Corp", "my.repo", "issues")
	assert.Equal(t, "github.Acme~Corp.my~repo.issues", subject)

	parts, err := ParseSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, "Acme.Corp/my.repo", parts.FullName())
	assert.Equal(t, "issues", parts.EventType)

	assert.Equal(t, "github.Acme~Corp.>", OwnerFilter("github", "Acme.Corp"))
	assert.Equal(t, "github.acme.api.>", RepositoryFilter("github", "acme", "api"))

	_, err = ParseSubject("github.acme..issues")
	require.Error(t, err)
	_, err = ParseSubject("github.acme.api")
	require.Error(t, err)
}

func TestMixedCaseFiltersMatchPublishedSubjects(t *testing.T) {
	published := Subject("github", "Acme", "API", "issues")
	assert.Equal(t, "github.Acme.API.issues", published)
	assert.True(t, subjectMatches(RepositoryFilter("github", "Acme", "API"), published))
	assert.True(t, subjectMatches(OwnerFilter("github", "Acme"), published))
	assert.False(t, subjectMatches(RepositoryFilter("github", "acme", "api"), published),
		"filters are case-sensitive")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	source := NewMemorySource(RepositoryFilter("github", "Acme", "API"))
	require.NoError(t, source.Publish(ctx, published, []byte(`{}`), "msg-1"))
	msg, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, published, msg.Subject())
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(time.Second, time.Minute, 1))
	assert.Equal(t, 4*time.Second, retryDelay(time.Second, time.Minute, 3))
	assert.Equal(t, time.Minute, retryDelay(time.Second, time.Minute, 30))
	assert.Equal(t, defaultBaseDelay, retryDelay(0, 0, 1))
}

func TestJetStreamConsumerConfig(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	opts := JetStreamOptions{Durable: "gitmirror", Lookback: 72 * time.Hour, AckWait: time.Minute, MaxAckPending: 32}

	cfg := opts.consumerConfig([]string{"github.acme.>"}, now)
	assert.Equal(t, "gitmirror", cfg.Durable)
	assert.Equal(t, jetstream.DeliverByStartTimePolicy, cfg.DeliverPolicy)
	assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)
	require.NotNil(t, cfg.OptStartTime)
	assert.Equal(t, time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC), *cfg.OptStartTime)
	assert.Equal(t, []string{"github.acme.>"}, cfg.FilterSubjects)

	updated := withFilter(cfg, []string{"github.acme.>", "github.jdoe.dotfiles.>"})
	assert.Equal(t, cfg.Durable, updated.Durable)
	assert.Equal(t, cfg.OptStartTime, updated.OptStartTime)
	assert.Equal(t, []string{"github.acme.>", "github.jdoe.dotfiles.>"}, updated.FilterSubjects)
	assert.Equal(t, []string{"github.acme.>"}, cfg.FilterSubjects)
}

func TestNormalizeSubjects(t *testing.T) {
	assert.Equal(t, []string{"a.>", "b.>"}, normalizeSubjects([]string{" b.> ", "a.>", "", "b.>"}))
	assert.Empty(t, normalizeSubjects(nil))
}

func TestBuildSourceFromURL(t *testing.T) {
	source, err := BuildSourceFromURL("memory://", JetStreamOptions{}, []string{"github.>"})
	require.NoError(t, err)
	_, ok := source.(*MemorySource)
	assert.True(t, ok)

	_, err = BuildSourceFromURL("nats://127.0.0.1:4222", JetStreamOptions{}, nil)
	require.Error(t, err, "stream and durable are required")

	source, err = BuildSourceFromURL("nats://127.0.0.1:4222", JetStreamOptions{Stream: "EVENTS", Durable: "gitmirror"}, nil)
	require.NoError(t, err)
	_, ok = source.(*JetStreamSource)
	assert.True(t, ok)

	_, err = BuildSourceFromURL("kafka://broker", JetStreamOptions{}, nil)
	require.Error(t, err)
}

func TestPublishEventUsesSubjectScheme(t *testing.T) {
	source := NewMemorySource("github.>")
	subject, err := PublishEvent(context.Background(), source, "github", "acme", "api", "issues", []byte(`{}`), "id-1")
	require.NoError(t, err)
	assert.Equal(t, "github.acme.api.issues", subject)
	assert.Equal(t, 1, source.Pending())
}
