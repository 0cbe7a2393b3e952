// Package usecase contains the application services: submission intake
// with task fan-out, and result aggregation with verdict folding.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/content-moderator/internal/domain"
	"github.com/fairyhunter13/content-moderator/pkg/textx"
)

// submission is the wire shape of an inbound job. Validation runs after
// normalization, so blank text or image_uri count as absent.
type submission struct {
	CorrelatingID string            `json:"correlating_id" validate:"omitempty,uuid"`
	Content       submissionContent `json:"content"`
}

type submissionContent struct {
	ContentID   *string `json:"content_id"`
	SubmitterID *string `json:"submitter_id"`
	Text        *string `json:"text" validate:"required_without=ImageURI"`
	ImageURI    *string `json:"image_uri" validate:"required_without=Text,omitempty,uri"`
}

// SubmitService seeds one job per submission and fans a task request out
// per target modality. Redeliveries are safe: seeding is idempotent and
// returns the full target list, so a retried submission republishes the
// same requests.
type SubmitService struct {
	Jobs      domain.JobRepository
	Publisher domain.TaskPublisher
	ServiceID string
	validate  *validator.Validate
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs domain.JobRepository, pub domain.TaskPublisher, serviceID string) SubmitService {
	return SubmitService{Jobs: jobs, Publisher: pub, ServiceID: serviceID, validate: validator.New()}
}

// Submit decodes, normalizes, and validates one submission body, seeds
// the job, and publishes one task request per target. It returns the
// correlation id in effect, minting a fresh one when the submitter sent
// none. Malformed bodies wrap ErrMalformedDelivery so the broker layer
// drops instead of requeueing them.
func (s SubmitService) Submit(ctx domain.Context, body []byte) (string, error) {
	var sub submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", fmt.Errorf("op=usecase.Submit: %w: %v", domain.ErrMalformedDelivery, err)
	}

	if sub.Content.Text != nil {
		t := textx.SanitizeText(*sub.Content.Text)
		if t == "" {
			sub.Content.Text = nil
		} else {
			sub.Content.Text = &t
		}
	}
	if sub.Content.ImageURI != nil {
		u := strings.TrimSpace(*sub.Content.ImageURI)
		if u == "" {
			sub.Content.ImageURI = nil
		} else {
			sub.Content.ImageURI = &u
		}
	}
	if err := s.validate.Struct(sub); err != nil {
		return "", fmt.Errorf("op=usecase.Submit: %w: %v", domain.ErrMalformedDelivery, err)
	}

	cid := strings.TrimSpace(sub.CorrelatingID)
	if cid == "" {
		cid = uuid.New().String()
	}

	targets, err := s.Jobs.Seed(ctx, domain.JobSeed{
		CorrelatingID: cid,
		ContentID:     sub.Content.ContentID,
		SubmitterID:   sub.Content.SubmitterID,
		Text:          sub.Content.Text,
		ImageURI:      sub.Content.ImageURI,
	})
	if err != nil {
		return cid, fmt.Errorf("op=usecase.Submit: %w", err)
	}

	content := domain.Content{
		ContentID:   sub.Content.ContentID,
		SubmitterID: sub.Content.SubmitterID,
		Text:        sub.Content.Text,
		ImageURI:    sub.Content.ImageURI,
	}
	for _, m := range targets {
		env, err := domain.NewEnvelope(domain.EventTypeTaskRequested, cid, s.ServiceID, domain.TaskRequestPayload{
			CorrelatingID: cid,
			Task:          domain.TaskRef{EventName: m.EventName()},
			Content:       content,
		})
		if err != nil {
			return cid, fmt.Errorf("op=usecase.Submit: %w", err)
		}
		if err := s.Publisher.PublishTaskRequest(ctx, m, env); err != nil {
			return cid, fmt.Errorf("op=usecase.Submit: fan out %s: %w", m, err)
		}
		slog.Info("task request published",
			slog.String("correlating_id", cid),
			slog.String("modality", string(m)))
	}
	return cid, nil
}
