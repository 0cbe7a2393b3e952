package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/content-moderator/internal/domain"
)

// AggregateService folds partial worker results into one final decision
// per job. It is safe to run replicated: the aggregation store performs
// the first-seen decrement atomically, the decision write is
// insert-once, and the final event is cached so every replica that
// crosses the finish line hands back identical bytes.
type AggregateService struct {
	State     domain.AggregationStore
	Fleet     domain.FleetRegistry
	Tasks     domain.TaskRepository
	Jobs      domain.JobRepository
	Decisions domain.DecisionRepository
	TTL       time.Duration
	ServiceID string
}

// NewAggregateService constructs an AggregateService.
func NewAggregateService(state domain.AggregationStore, fleet domain.FleetRegistry, tasks domain.TaskRepository, jobs domain.JobRepository, decisions domain.DecisionRepository, ttl time.Duration, serviceID string) AggregateService {
	return AggregateService{State: state, Fleet: fleet, Tasks: tasks, Jobs: jobs, Decisions: decisions, TTL: ttl, ServiceID: serviceID}
}

// HandleResult ingests one worker result. It returns the serialized
// completion envelope when this delivery finished the job, nil while
// results are still outstanding. The caller publishes the envelope,
// then calls Cleanup once the broker confirmed it.
//
// The expected-count baseline is read from the fleet registry at the
// moment the first result for the job arrives and latched in the store;
// later fleet changes do not move the finish line.
func (s AggregateService) HandleResult(ctx domain.Context, body []byte, correlatingID, serviceName, moderationType string) ([]byte, error) {
	if correlatingID == "" {
		return nil, fmt.Errorf("op=usecase.HandleResult: %w: missing correlation id", domain.ErrMalformedDelivery)
	}
	ev, err := domain.ParseResultEvent(body, serviceName)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.HandleResult: %w", err)
	}
	if ev.ServiceName == "" {
		return nil, fmt.Errorf("op=usecase.HandleResult: %w: no service name in header or body", domain.ErrMalformedDelivery)
	}

	if err := s.mirrorTask(ctx, correlatingID, moderationType, ev.Status, body); err != nil {
		return nil, err
	}

	expected := s.Fleet.CountForType(moderationType)
	remaining, first, err := s.State.Observe(ctx, correlatingID, ev.ServiceName, ev.Status, expected, s.TTL)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.HandleResult: %w", err)
	}
	if !first {
		slog.Debug("duplicate worker result",
			slog.String("correlating_id", correlatingID),
			slog.String("service", ev.ServiceName))
	}
	if remaining > 0 {
		slog.Debug("result recorded",
			slog.String("correlating_id", correlatingID),
			slog.String("service", ev.ServiceName),
			slog.Int64("remaining", remaining))
		return nil, nil
	}
	return s.finalize(ctx, correlatingID)
}

// mirrorTask writes the result through to the durable task row. Results
// without a usable moderation type still aggregate; they just leave no
// per-task audit row to update.
func (s AggregateService) mirrorTask(ctx domain.Context, correlatingID, moderationType string, status domain.WorkerStatus, body []byte) error {
	m, ok := domain.ParseModality(moderationType)
	if !ok {
		if moderationType != "" {
			slog.Debug("unknown moderation type on result",
				slog.String("correlating_id", correlatingID),
				slog.String("moderation_type", moderationType))
		}
		return nil
	}
	task := domain.Task{
		CorrelatingID: correlatingID,
		EventName:     m.EventName(),
		Status:        status.TaskStatus(),
		Payload:       body,
	}
	if task.Status != domain.StatusPending {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	if err := s.Tasks.UpsertResult(ctx, task); err != nil {
		return fmt.Errorf("op=usecase.HandleResult: mirror task: %w", err)
	}
	return nil
}

// finalize computes, persists, and caches the completion event. Reuses
// the cached bytes when a previous attempt already got this far, so a
// failed publish retries with an identical message.
func (s AggregateService) finalize(ctx domain.Context, correlatingID string) ([]byte, error) {
	if cached, ok, err := s.State.Final(ctx, correlatingID); err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	} else if ok {
		return cached, nil
	}

	statuses, err := s.State.Statuses(ctx, correlatingID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	}
	partials := make([]domain.WorkerStatus, 0, len(statuses))
	for _, st := range statuses {
		partials = append(partials, st)
	}
	timedOut := domain.FoldTimedOut(partials)
	verdict, reason := domain.FoldVerdict(partials, timedOut)

	if err := s.Decisions.Upsert(ctx, domain.Decision{
		CorrelatingID: correlatingID,
		FinalVerdict:  verdict,
		TimedOut:      timedOut,
	}); err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	}
	jobStatus := domain.StatusCompleted
	if timedOut {
		jobStatus = domain.StatusTimedOut
	}
	if err := s.Jobs.UpdateStatus(ctx, correlatingID, jobStatus); err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	}

	env, err := domain.NewEnvelope(domain.EventTypeJobCompleted, correlatingID, s.ServiceID, domain.JobCompletedEvent{
		CorrelatingID: correlatingID,
		Status:        verdict,
		Reason:        reason,
		TimedOut:      timedOut,
	})
	if err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	}
	final, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	}
	if err := s.State.CacheFinal(ctx, correlatingID, final, s.TTL); err != nil {
		return nil, fmt.Errorf("op=usecase.finalize: %w", err)
	}
	slog.Info("job completed",
		slog.String("correlating_id", correlatingID),
		slog.String("verdict", string(verdict)),
		slog.Bool("timed_out", timedOut),
		slog.String("reason", reason))
	return final, nil
}

// Cleanup drops the job's aggregation state. Call only after the
// completion event has been published and confirmed.
func (s AggregateService) Cleanup(ctx domain.Context, correlatingID string) error {
	if err := s.State.Cleanup(ctx, correlatingID); err != nil {
		return fmt.Errorf("op=usecase.Cleanup: %w", err)
	}
	return nil
}

// Progress reports the durable task status counts for one job, used by
// operational tooling to inspect a stuck job.
func (s AggregateService) Progress(ctx domain.Context, correlatingID string) (map[domain.JobStatus]int, error) {
	counts, err := s.Tasks.StatusCounts(ctx, correlatingID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Progress: %w", err)
	}
	return counts, nil
}
