package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrMalformedDelivery = errors.New("malformed delivery")
	ErrUnroutable        = errors.New("unroutable publish")
	ErrInternal          = errors.New("internal error")
)

// JobStatus is the lifecycle status of a job or of a single task row.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusTimedOut  JobStatus = "timed_out"
)

// Verdict is the final outcome of folding partial worker statuses.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictBlock  Verdict = "block"
	VerdictReview Verdict = "review"
	VerdictError  Verdict = "error"
)

// WorkerStatus is a status reported by a classifier worker.
// Unknown values coerce to WorkerFailed at the parse boundary.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerApproved WorkerStatus = "approved"
	WorkerRejected WorkerStatus = "rejected"
	WorkerFailed   WorkerStatus = "failed"
	WorkerTimedOut WorkerStatus = "timed_out"
)

// CoerceWorkerStatus maps arbitrary status strings to the known set.
func CoerceWorkerStatus(s string) WorkerStatus {
	switch WorkerStatus(s) {
	case WorkerPending, WorkerApproved, WorkerRejected, WorkerFailed, WorkerTimedOut:
		return WorkerStatus(s)
	default:
		return WorkerFailed
	}
}

// TaskStatus maps a worker-reported status onto the persisted task status.
func (s WorkerStatus) TaskStatus() JobStatus {
	switch s {
	case WorkerApproved, WorkerRejected:
		return StatusCompleted
	case WorkerTimedOut:
		return StatusTimedOut
	case WorkerPending:
		return StatusPending
	default:
		return StatusFailed
	}
}

// Modality is the axis along which a job is routed to a worker class.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// ParseModality maps a moderation-type label or header value onto a
// known modality, case-folded and trimmed.
func ParseModality(s string) (Modality, bool) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case ModalityText:
		return ModalityText, true
	case ModalityImage:
		return ModalityImage, true
	default:
		return "", false
	}
}

// EventName is the logical task target carried in task-request payloads
// and persisted on job_tasks rows.
func (m Modality) EventName() string {
	return "moderation." + string(m) + ".requested"
}

// RoutingKey is the ingress-exchange routing key for this modality's
// task requests.
func (m Modality) RoutingKey() string {
	return "moderation.task." + string(m)
}

// Job is the durable record of one moderation job, keyed by correlation id.
type Job struct {
	CorrelatingID string
	ContentID     *string
	SubmitterID   *string
	Status        JobStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is one expected worker response for a job. (correlating_id,
// event_name) is unique; transitions out of pending are terminal.
type Task struct {
	CorrelatingID string
	EventName     string
	Status        JobStatus
	Payload       []byte
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// Decision is the final verdict persisted exactly once per job.
type Decision struct {
	CorrelatingID string
	FinalVerdict  Verdict
	TimedOut      bool
	DecidedAt     time.Time
}

// JobSeed captures the normalized inbound submission the orchestrator
// persists. Presence of Text/ImageURI drives payload rows and thereby
// target selection.
type JobSeed struct {
	CorrelatingID string
	ContentID     *string
	SubmitterID   *string
	Text          *string
	ImageURI      *string
}

// Repositories (ports)

// JobRepository persists jobs and their payload/task seeds.
type JobRepository interface {
	// Seed runs the orchestrator's single transaction: insert the job if
	// missing, upsert payload rows for present content, and insert a
	// pending task per target derived from payload-row presence. It
	// returns the full target list (existing rows included) so a
	// redelivered submission republishes the same targets.
	Seed(ctx Context, seed JobSeed) ([]Modality, error)
	UpdateStatus(ctx Context, correlatingID string, status JobStatus) error
	Get(ctx Context, correlatingID string) (Job, error)
}

// TaskRepository mutates task rows in place as results arrive.
type TaskRepository interface {
	UpsertResult(ctx Context, t Task) error
	StatusCounts(ctx Context, correlatingID string) (map[JobStatus]int, error)
}

// DecisionRepository writes the final decision exactly once per job.
type DecisionRepository interface {
	Upsert(ctx Context, d Decision) error
	Get(ctx Context, correlatingID string) (Decision, error)
}

// AggregationStore is the ephemeral per-job state shared by all
// aggregator replicas. Observe is the only mutation path besides
// CacheFinal and Cleanup; it must be atomic server-side.
type AggregationStore interface {
	// Observe latches expected on first sight of the correlation id,
	// records service→status, refreshes TTLs, and decrements the
	// remaining count only when service is a new field. It returns the
	// remaining count after this delivery and whether the service was
	// seen for the first time.
	Observe(ctx Context, correlatingID, service string, status WorkerStatus, expected int, ttl time.Duration) (int64, bool, error)
	Statuses(ctx Context, correlatingID string) (map[string]WorkerStatus, error)
	Final(ctx Context, correlatingID string) ([]byte, bool, error)
	CacheFinal(ctx Context, correlatingID string, payload []byte, ttl time.Duration) error
	Cleanup(ctx Context, correlatingID string) error
}

// FleetRegistry reports live worker counts from the container runtime.
type FleetRegistry interface {
	CurrentCount() int
	CountForType(moderationType string) int
}

// TaskPublisher fans task requests out to the ingress exchange. The
// publisher derives the routing key from the modality.
type TaskPublisher interface {
	PublishTaskRequest(ctx Context, m Modality, env Envelope) error
}

// Context is an alias so domain signatures stay decoupled from adapters.
type Context = context.Context
