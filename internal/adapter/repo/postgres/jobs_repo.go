package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/content-moderator/internal/domain"
)

// JobRepo persists and loads moderation jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Seed runs the orchestrator's submit transaction: job row if missing,
// payload upserts for present content, pending task rows per target.
// Target selection reads payload-row presence back from the database,
// not the inbound event, so a reshaped retry still republishes the
// original targets.
func (r *JobRepo) Seed(ctx domain.Context, seed domain.JobSeed) ([]domain.Modality, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Seed")
	defer span.End()

	if seed.CorrelatingID == "" {
		return nil, fmt.Errorf("op=job.seed: %w: correlating id required", domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=job.seed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO moderation_jobs (correlating_id, content_id, submitter_id, status)
	      VALUES ($1, $2, $3, 'pending')
	      ON CONFLICT (correlating_id) DO NOTHING`
	if _, err := tx.Exec(ctx, q, seed.CorrelatingID, seed.ContentID, seed.SubmitterID); err != nil {
		return nil, fmt.Errorf("op=job.seed: %w", err)
	}

	if seed.Text != nil {
		q = `INSERT INTO text_data (correlating_id, text_excerpt) VALUES ($1, $2)
		     ON CONFLICT (correlating_id) DO UPDATE SET text_excerpt = EXCLUDED.text_excerpt`
		if _, err := tx.Exec(ctx, q, seed.CorrelatingID, *seed.Text); err != nil {
			return nil, fmt.Errorf("op=job.seed_text: %w", err)
		}
	}
	if seed.ImageURI != nil {
		q = `INSERT INTO image_data (correlating_id, image_uri) VALUES ($1, $2)
		     ON CONFLICT (correlating_id) DO UPDATE SET image_uri = EXCLUDED.image_uri`
		if _, err := tx.Exec(ctx, q, seed.CorrelatingID, *seed.ImageURI); err != nil {
			return nil, fmt.Errorf("op=job.seed_image: %w", err)
		}
	}

	// Payload-row presence is the authoritative target signal.
	q = `SELECT
	       EXISTS (SELECT 1 FROM text_data  WHERE correlating_id = $1),
	       EXISTS (SELECT 1 FROM image_data WHERE correlating_id = $1)`
	var hasText, hasImage bool
	if err := tx.QueryRow(ctx, q, seed.CorrelatingID).Scan(&hasText, &hasImage); err != nil {
		return nil, fmt.Errorf("op=job.seed_targets: %w", err)
	}

	var targets []domain.Modality
	if hasText {
		targets = append(targets, domain.ModalityText)
	}
	if hasImage {
		targets = append(targets, domain.ModalityImage)
	}

	q = `INSERT INTO job_tasks (correlating_id, event_name, status) VALUES ($1, $2, 'pending')
	     ON CONFLICT (correlating_id, event_name) DO NOTHING`
	for _, m := range targets {
		if _, err := tx.Exec(ctx, q, seed.CorrelatingID, m.EventName()); err != nil {
			return nil, fmt.Errorf("op=job.seed_task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=job.seed_commit: %w", err)
	}
	return targets, nil
}

// UpdateStatus moves a job to a new lifecycle status.
func (r *JobRepo) UpdateStatus(ctx domain.Context, correlatingID string, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	q := `UPDATE moderation_jobs SET status = $2, updated_at = $3 WHERE correlating_id = $1`
	if _, err := r.Pool.Exec(ctx, q, correlatingID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// Get loads a job by correlation id.
func (r *JobRepo) Get(ctx domain.Context, correlatingID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT correlating_id, content_id, submitter_id, status, created_at, updated_at
	      FROM moderation_jobs WHERE correlating_id = $1`
	row := r.Pool.QueryRow(ctx, q, correlatingID)
	var j domain.Job
	if err := row.Scan(&j.CorrelatingID, &j.ContentID, &j.SubmitterID, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}
