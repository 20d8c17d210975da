package schedule

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func noop(context.Context, string) {}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := New(noop, Options{Spec: "every hour", Logger: discard})
	require.ErrorIs(t, err, ErrInvalidSpec)

	s, err := New(noop, Options{Logger: discard})
	require.NoError(t, err)
	assert.Equal(t, DefaultSpec, s.opts.Spec)
}

func TestSetTenantsGroupsDefaultsAndKeepsOverrides(t *testing.T) {
	s, err := New(noop, Options{Logger: discard})
	require.NoError(t, err)

	err = s.SetTenants([]TenantSchedule{
		{TenantID: "acme-ws"},
		{TenantID: "solo-ws", Spec: DefaultSpec},
		{TenantID: "lab-ws", Spec: "*/5 * * * *"},
		{TenantID: "broken-ws", Spec: "nope"},
	})
	require.ErrorIs(t, err, ErrInvalidSpec)

	entries := s.cron.Entries()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		entry.Job.Run()
	}
	var queued []string
	for len(s.jobs) > 0 {
		queued = append(queued, <-s.jobs)
	}
	sort.Strings(queued)
	assert.Equal(t, []string{"acme-ws", "broken-ws", "lab-ws", "solo-ws"}, queued)

	require.NoError(t, s.SetTenants([]TenantSchedule{{TenantID: "acme-ws"}}))
	assert.Len(t, s.cron.Entries(), 1)
}

func TestTriggerDropsOverlappingRuns(t *testing.T) {
	s, err := New(noop, Options{Logger: discard})
	require.NoError(t, err)

	assert.True(t, s.Trigger("acme-ws", "manual"))
	assert.False(t, s.Trigger("acme-ws", "cron"))
	assert.True(t, s.Trigger("solo-ws", "manual"))

	<-s.jobs
	s.finish("acme-ws")
	assert.True(t, s.Trigger("acme-ws", "cron"))
}

func TestRunSyncsOnStartupAndSkipsInFlightTenant(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 8)
	var mu sync.Mutex
	runs := map[string]int{}
	run := func(ctx context.Context, tenantID string) {
		mu.Lock()
		runs[tenantID]++
		mu.Unlock()
		started <- tenantID
		if tenantID == "acme-ws" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}
	s, err := New(run, Options{RunOnStartup: true, Workers: 2, Logger: discard})
	require.NoError(t, err)
	require.NoError(t, s.SetTenants([]TenantSchedule{{TenantID: "acme-ws"}, {TenantID: "solo-ws"}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-started:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("startup sync did not run every tenant")
		}
	}
	assert.False(t, s.Trigger("acme-ws", "cron"), "running tenant must not be queued again")
	close(release)

	require.Eventually(t, func() bool { return s.Trigger("acme-ws", "manual") }, 2*time.Second, 5*time.Millisecond)
	select {
	case id := <-started:
		assert.Equal(t, "acme-ws", id)
	case <-time.After(2 * time.Second):
		t.Fatal("manual trigger did not run")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, runs["acme-ws"])
	assert.Equal(t, 1, runs["solo-ws"])
}
