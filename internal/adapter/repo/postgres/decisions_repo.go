package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/content-moderator/internal/domain"
)

// DecisionRepo persists the final verdict, exactly once per job.
type DecisionRepo struct{ Pool PgxPool }

// NewDecisionRepo constructs a DecisionRepo with the given pool.
func NewDecisionRepo(p PgxPool) *DecisionRepo { return &DecisionRepo{Pool: p} }

// Upsert writes the decision row. The first writer wins; replays of the
// finalization path are no-ops.
func (r *DecisionRepo) Upsert(ctx domain.Context, d domain.Decision) error {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.Upsert")
	defer span.End()
	if d.CorrelatingID == "" {
		return fmt.Errorf("op=decision.upsert: %w: correlating id required", domain.ErrInvalidArgument)
	}
	decidedAt := d.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}
	q := `INSERT INTO moderation_decisions (correlating_id, final_verdict, timed_out, decided_at)
	      VALUES ($1, $2, $3, $4)
	      ON CONFLICT (correlating_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, d.CorrelatingID, d.FinalVerdict, d.TimedOut, decidedAt); err != nil {
		return fmt.Errorf("op=decision.upsert: %w", err)
	}
	return nil
}

// Get loads the decision for a job.
func (r *DecisionRepo) Get(ctx domain.Context, correlatingID string) (domain.Decision, error) {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.Get")
	defer span.End()
	q := `SELECT correlating_id, final_verdict, timed_out, decided_at
	      FROM moderation_decisions WHERE correlating_id = $1`
	row := r.Pool.QueryRow(ctx, q, correlatingID)
	var d domain.Decision
	if err := row.Scan(&d.CorrelatingID, &d.FinalVerdict, &d.TimedOut, &d.DecidedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Decision{}, fmt.Errorf("op=decision.get: %w", domain.ErrNotFound)
		}
		return domain.Decision{}, fmt.Errorf("op=decision.get: %w", err)
	}
	return d, nil
}
