package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/content-moderator/internal/domain"
)

// TaskRepo mutates job_tasks rows as worker results arrive.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// UpsertResult records a worker result on its task row. Transitions out
// of pending are terminal: a row already completed, failed or timed out
// is left untouched, which keeps redeliveries idempotent.
func (r *TaskRepo) UpsertResult(ctx domain.Context, t domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpsertResult")
	defer span.End()
	if t.CorrelatingID == "" || t.EventName == "" {
		return fmt.Errorf("op=task.upsert: %w: correlating id and event name required", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO job_tasks (correlating_id, event_name, status, payload, completed_at)
	      VALUES ($1, $2, $3, $4, $5)
	      ON CONFLICT (correlating_id, event_name) DO UPDATE
	        SET status = EXCLUDED.status,
	            payload = EXCLUDED.payload,
	            completed_at = EXCLUDED.completed_at
	        WHERE job_tasks.status = 'pending'`
	if _, err := r.Pool.Exec(ctx, q, t.CorrelatingID, t.EventName, t.Status, t.Payload, t.CompletedAt); err != nil {
		return fmt.Errorf("op=task.upsert: %w", err)
	}
	return nil
}

// StatusCounts returns the per-status task counts for one job, served
// by the (correlating_id, status) index.
func (r *TaskRepo) StatusCounts(ctx domain.Context, correlatingID string) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.StatusCounts")
	defer span.End()
	q := `SELECT status, COUNT(*) FROM job_tasks WHERE correlating_id = $1 GROUP BY status`
	rows, err := r.Pool.Query(ctx, q, correlatingID)
	if err != nil {
		return nil, fmt.Errorf("op=task.status_counts: %w", err)
	}
	defer rows.Close()
	counts := map[domain.JobStatus]int{}
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=task.status_counts: %w", err)
		}
		counts[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.status_counts: %w", err)
	}
	return counts, nil
}
