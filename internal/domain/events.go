package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried in envelope headers.
const (
	EventTypeTaskRequested = "Moderation.Task.Requested.v1"
	EventTypeTaskCompleted = "Moderation.Task.Completed.v1"
	EventTypeJobCompleted  = "Moderation.Job.Completed.v1"
)

// Content is the submitted material; at least one of Text/ImageURI must
// be present for a submission to be actionable.
type Content struct {
	ContentID   *string `json:"content_id,omitempty"`
	SubmitterID *string `json:"submitter_id,omitempty"`
	Text        *string `json:"text,omitempty"`
	ImageURI    *string `json:"image_uri,omitempty"`
}

// SubmissionEvent is the inbound job published by a submitter.
type SubmissionEvent struct {
	CorrelatingID string  `json:"correlating_id,omitempty"`
	Content       Content `json:"content"`
}

// TaskRef names the logical target inside a task-request payload.
type TaskRef struct {
	EventName string `json:"event_name"`
}

// TaskRequestPayload is the payload of a Moderation.Task.Requested.v1
// envelope.
type TaskRequestPayload struct {
	CorrelatingID string  `json:"correlating_id"`
	Task          TaskRef `json:"task"`
	Content       Content `json:"content"`
}

// Envelope is the standard event wrapper on every published message.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	ServiceID     string          `json:"service_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a fresh envelope with a minted message id
// and an RFC3339 UTC timestamp.
func NewEnvelope(eventType, correlationID, serviceID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("op=envelope.marshal: %w", err)
	}
	return Envelope{
		MessageID:     uuid.New().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		ServiceID:     serviceID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Payload:       raw,
	}, nil
}

// ResultEvent is a partial result reported by one worker. The service
// name travels in the x-service-name header; a service_name body field
// is honored as a fallback.
type ResultEvent struct {
	ServiceName string
	Status      WorkerStatus
	Reason      string
}

type resultEventWire struct {
	ServiceName string `json:"service_name"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

// ParseResultEvent decodes a worker result body. Unknown body fields are
// ignored and unknown statuses coerce to failed. serviceName (from the
// message header) wins over any body field.
func ParseResultEvent(body []byte, serviceName string) (ResultEvent, error) {
	var wire resultEventWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return ResultEvent{}, fmt.Errorf("op=result.parse: %w: %w", ErrMalformedDelivery, err)
	}
	ev := ResultEvent{
		ServiceName: serviceName,
		Status:      CoerceWorkerStatus(wire.Status),
		Reason:      wire.Reason,
	}
	if ev.ServiceName == "" {
		ev.ServiceName = wire.ServiceName
	}
	return ev, nil
}

// JobCompletedEvent is the single completion message per job.
type JobCompletedEvent struct {
	CorrelatingID string  `json:"correlating_id"`
	Status        Verdict `json:"status"`
	Reason        string  `json:"reason"`
	TimedOut      bool    `json:"timed_out"`
}
