package dockerfleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu        sync.Mutex
	summaries []container.Summary
	listErr   error
	listCalls int

	eventsCalls int
	msgs        chan events.Message
	errs        chan error
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.summaries, f.listErr
}

func (f *fakeDocker) Events(context.Context, events.ListOptions) (<-chan events.Message, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventsCalls++
	return f.msgs, f.errs
}

func (f *fakeDocker) setSummaries(s []container.Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = s
}

func worker(moderationType string) container.Summary {
	return container.Summary{Labels: map[string]string{
		"domain":          "moderation",
		"moderation.type": moderationType,
	}}
}

func newFake(summaries ...container.Summary) *fakeDocker {
	return &fakeDocker{
		summaries: summaries,
		msgs:      make(chan events.Message, 8),
		errs:      make(chan error, 8),
	}
}

func TestNew_InitialSync(t *testing.T) {
	cli := newFake(worker("text"), worker("text"), worker("image"))
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)

	require.Equal(t, 3, r.CurrentCount())
	require.Equal(t, 2, r.CountForType("text"))
	require.Equal(t, 1, r.CountForType("image"))
}

func TestCountForType_CaseFoldsAndTrims(t *testing.T) {
	cli := newFake(worker("text"))
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)

	require.Equal(t, 1, r.CountForType("  TEXT "))
}

func TestCountForType_EmptyFallsBackToTotal(t *testing.T) {
	// One worker carries no type label: it counts toward the total only.
	cli := newFake(worker("text"), container.Summary{Labels: map[string]string{"domain": "moderation"}})
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)

	require.Equal(t, 2, r.CountForType(""))
	require.Equal(t, 2, r.CountForType("   "))
}

func TestCurrentCount_ZeroTriggersResync(t *testing.T) {
	cli := newFake()
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)
	require.Equal(t, 1, cli.listCalls)

	// Fleet comes up after the initial empty sync.
	cli.setSummaries([]container.Summary{worker("text")})
	require.Equal(t, 1, r.CurrentCount())
}

func TestCountForType_ZeroTriggersResync(t *testing.T) {
	cli := newFake(worker("text"))
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)

	cli.setSummaries([]container.Summary{worker("text"), worker("image")})
	require.Equal(t, 1, r.CountForType("image"))
}

func TestRun_ResyncsOnMembershipEvents(t *testing.T) {
	cli := newFake(worker("text"))
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	cli.setSummaries([]container.Summary{worker("text"), worker("text")})
	cli.msgs <- events.Message{Action: "start"}

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.total == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRun_IgnoresIrrelevantActions(t *testing.T) {
	cli := newFake(worker("text"))
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)
	before := cli.listCalls

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	cli.msgs <- events.Message{Action: "exec_create"}
	time.Sleep(50 * time.Millisecond)

	cli.mu.Lock()
	defer cli.mu.Unlock()
	require.Equal(t, before, cli.listCalls)
}

func TestRun_StreamErrorResyncsAndResubscribes(t *testing.T) {
	cli := newFake(worker("text"))
	r, err := New(context.Background(), cli, "domain=moderation", "moderation.type")
	require.NoError(t, err)
	r.resyncDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	cli.setSummaries([]container.Summary{worker("text"), worker("image")})
	cli.errs <- errors.New("stream ruptured")

	require.Eventually(t, func() bool {
		cli.mu.Lock()
		defer cli.mu.Unlock()
		return cli.eventsCalls >= 2
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, 2, r.total)
}
