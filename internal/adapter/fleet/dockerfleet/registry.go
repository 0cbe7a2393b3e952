// Package dockerfleet tracks live moderation workers through the Docker
// API. Counts are refreshed by full re-listing on every relevant event:
// applying deltas from a stream that can drop or reorder events would
// drift, and a full listing is cheap at this cardinality.
package dockerfleet

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/fairyhunter13/content-moderator/internal/adapter/observability"
)

// ContainerAPI is the subset of the Docker client the registry needs.
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// NewDockerClient builds a Docker API client for the given host, falling
// back to the standard environment (DOCKER_HOST et al.) when host is
// empty.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

// Registry caches the number of live workers carrying the moderation
// label, overall and bucketed by the moderation-type label.
type Registry struct {
	cli          ContainerAPI
	label        string
	typeLabelKey string
	resyncDelay  time.Duration

	mu     sync.Mutex
	total  int
	byType map[string]int
}

// New constructs a Registry and performs the initial listing. Callers
// should then start Run in a goroutine to follow the event stream.
func New(ctx context.Context, cli ContainerAPI, label, typeLabelKey string) (*Registry, error) {
	r := &Registry{
		cli:          cli,
		label:        label,
		typeLabelKey: typeLabelKey,
		resyncDelay:  5 * time.Second,
		byType:       map[string]int{},
	}
	if err := r.sync(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) filterArgs() filters.Args {
	return filters.NewArgs(filters.Arg("label", r.label))
}

// sync replaces the cached totals from a full container listing.
func (r *Registry) sync(ctx context.Context) error {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{Filters: r.filterArgs()})
	if err != nil {
		return err
	}
	byType := map[string]int{}
	for _, c := range containers {
		raw, ok := c.Labels[r.typeLabelKey]
		if !ok {
			continue
		}
		moderationType := strings.ToLower(strings.TrimSpace(raw))
		if moderationType == "" {
			continue
		}
		byType[moderationType]++
	}

	r.mu.Lock()
	r.total = len(containers)
	r.byType = byType
	total := r.total
	r.mu.Unlock()

	observability.SetFleetSize(total)
	slog.Debug("fleet registry synced", slog.Int("active_moderators", total))
	return nil
}

// resyncActions are the runtime events that change the live count.
var resyncActions = map[events.Action]struct{}{
	"start": {}, "die": {}, "pause": {}, "unpause": {}, "stop": {}, "destroy": {},
}

// Run follows the Docker event stream and resyncs on membership changes.
// On stream rupture it logs, sleeps a bounded delay, resyncs once, and
// resubscribes. Returns when ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		msgs, errs := r.cli.Events(ctx, events.ListOptions{Filters: r.filterArgs()})
	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				if _, ok := resyncActions[msg.Action]; !ok {
					continue
				}
				if err := r.sync(ctx); err != nil {
					slog.Warn("fleet registry resync failed", slog.Any("error", err))
					continue
				}
				slog.Info("fleet event observed",
					slog.String("action", string(msg.Action)),
					slog.Int("active_moderators", r.CurrentCount()))
			case err := <-errs:
				slog.Warn("fleet event stream error; resyncing", slog.Any("error", err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.resyncDelay):
				}
				if err := r.sync(ctx); err != nil {
					slog.Warn("fleet registry resync failed", slog.Any("error", err))
				}
				break stream
			}
		}
	}
}

// CurrentCount returns the total live workers bearing the label. A zero
// cache triggers one opportunistic resync before answering.
func (r *Registry) CurrentCount() int {
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()
	if total == 0 {
		if err := r.sync(context.Background()); err != nil {
			slog.Warn("fleet registry resync failed", slog.Any("error", err))
		}
		r.mu.Lock()
		total = r.total
		r.mu.Unlock()
	}
	return total
}

// CountForType returns the live workers whose moderation-type label
// matches t (case-folded, trimmed). Empty t falls back to CurrentCount.
func (r *Registry) CountForType(t string) int {
	normalized := strings.ToLower(strings.TrimSpace(t))
	if normalized == "" {
		return r.CurrentCount()
	}

	r.mu.Lock()
	count := r.byType[normalized]
	r.mu.Unlock()

	if count == 0 {
		// Events may have been missed; resync once before answering.
		if err := r.sync(context.Background()); err != nil {
			slog.Warn("fleet registry resync failed", slog.Any("error", err))
		}
		r.mu.Lock()
		count = r.byType[normalized]
		r.mu.Unlock()
	}
	return count
}
