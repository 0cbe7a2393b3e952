package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/content-moderator/internal/adapter/observability"
	"github.com/fairyhunter13/content-moderator/internal/domain"
	"github.com/fairyhunter13/content-moderator/pkg/textx"
)

// IngressHandler processes one submission body.
type IngressHandler func(ctx context.Context, body []byte) error

// ResultHandler processes one worker result. A non-nil final payload
// means the job just completed and the completion event must be
// published and confirmed before the delivery is acked.
type ResultHandler func(ctx context.Context, body []byte, correlationID, serviceName, moderationType string) (final []byte, err error)

// CleanupFunc releases per-job aggregation state after the completion
// event has been confirmed.
type CleanupFunc func(ctx context.Context, correlationID string) error

// publishFunc sends a serialized completion event for one job.
type publishFunc func(ctx context.Context, correlationID string, body []byte) error

// ackDecision is the disposition of one delivery.
type ackDecision int

const (
	ackOK ackDecision = iota
	// ackDrop acks a poison delivery so it never redelivers.
	ackDrop
	ackRequeue
)

// decide maps a handler error onto the delivery disposition. Malformed
// and invalid inputs can never succeed on redelivery, so they are
// dropped; everything else is assumed transient.
func decide(err error) ackDecision {
	switch {
	case err == nil:
		return ackOK
	case errors.Is(err, domain.ErrMalformedDelivery), errors.Is(err, domain.ErrInvalidArgument):
		return ackDrop
	default:
		return ackRequeue
	}
}

// resultMeta carries the routing metadata of one worker result.
type resultMeta struct {
	CorrelationID  string
	ServiceName    string
	ModerationType string
}

// extractResultMeta pulls the correlation id from the AMQP property,
// falling back to the x-correlation-id header, plus the service name
// and moderation type headers. Header values arrive as strings or byte
// slices depending on the worker's client library.
func extractResultMeta(d amqp.Delivery) resultMeta {
	cid := strings.TrimSpace(d.CorrelationId)
	if cid == "" {
		cid = textx.NormalizeHeader(d.Headers["x-correlation-id"])
	}
	return resultMeta{
		CorrelationID:  cid,
		ServiceName:    textx.NormalizeHeader(d.Headers["x-service-name"]),
		ModerationType: textx.NormalizeHeader(d.Headers["x-moderation-type"]),
	}
}

// ConsumeIngress runs the submission consume loop until ctx is done,
// rebuilding the channel after transport loss.
func (g *Gateway) ConsumeIngress(ctx context.Context, handle IngressHandler) error {
	return g.consumeLoop(ctx, g.cfg.IngressQueueName, "orchestrator", func(ctx context.Context, d amqp.Delivery) error {
		err := handle(ctx, d.Body)
		if err == nil {
			observability.JobsSubmittedTotal.Inc()
		}
		return settle(d, err, "submission")
	})
}

// ConsumeResults runs the worker-result consume loop until ctx is done.
// When the handler reports a final payload, the completion event is
// published with confirms first; only then is the state cleaned up and
// the delivery acked. A failed completion publish requeues the delivery
// so a later redelivery retries with the cached final payload.
func (g *Gateway) ConsumeResults(ctx context.Context, handle ResultHandler, cleanup CleanupFunc) error {
	return g.consumeLoop(ctx, g.cfg.ResultQueueName, "aggregator", func(ctx context.Context, d amqp.Delivery) error {
		return processResultDelivery(ctx, d, handle, cleanup, g.publishCompletion)
	})
}

// processResultDelivery handles one result delivery end to end: count,
// hand to the aggregation handler, publish a final event if one came
// back, clean up, and settle the delivery.
func processResultDelivery(ctx context.Context, d amqp.Delivery, handle ResultHandler, cleanup CleanupFunc, publish publishFunc) error {
	countResult(d.Body)
	meta := extractResultMeta(d)
	final, err := handle(ctx, d.Body, meta.CorrelationID, meta.ServiceName, meta.ModerationType)
	if err != nil || final == nil {
		return settle(d, err, "result")
	}
	if err := publish(ctx, meta.CorrelationID, final); err != nil {
		slog.Error("completion publish failed, requeueing result",
			slog.String("correlating_id", meta.CorrelationID), slog.Any("error", err))
		return d.Nack(false, true)
	}
	countCompletion(final)
	if err := cleanup(ctx, meta.CorrelationID); err != nil {
		// State keys are TTL bounded; the completion already went out.
		slog.Warn("aggregation cleanup failed",
			slog.String("correlating_id", meta.CorrelationID), slog.Any("error", err))
	}
	return d.Ack(false)
}

// countResult records the consumed result by its reported status.
func countResult(body []byte) {
	var res struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return
	}
	observability.ResultsConsumedTotal.WithLabelValues(string(domain.CoerceWorkerStatus(res.Status))).Inc()
}

// countCompletion records the published completion by its verdict.
func countCompletion(final []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(final, &env); err != nil {
		return
	}
	var done domain.JobCompletedEvent
	if err := json.Unmarshal(env.Payload, &done); err != nil {
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(string(done.Status)).Inc()
}

// settle applies the standard disposition for one handled delivery.
func settle(d amqp.Delivery, err error, kind string) error {
	switch decide(err) {
	case ackOK:
		return d.Ack(false)
	case ackDrop:
		slog.Warn("dropping poison delivery",
			slog.String("kind", kind),
			slog.String("message_id", d.MessageId),
			slog.Any("error", err))
		return d.Ack(false)
	default:
		slog.Error("delivery failed, requeueing",
			slog.String("kind", kind),
			slog.String("message_id", d.MessageId),
			slog.Any("error", err))
		return d.Nack(false, true)
	}
}

// consumeLoop opens a channel, consumes queue, and dispatches each
// delivery to process. When the delivery stream closes it reconnects
// after the configured delay, forever, until ctx is done.
func (g *Gateway) consumeLoop(ctx context.Context, queue, tag string, process func(context.Context, amqp.Delivery) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		ch, err := g.channel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("consumer channel setup failed", slog.String("queue", queue), slog.Any("error", err))
			sleepCtx(ctx, g.cfg.ReconnectDelay)
			continue
		}
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			slog.Error("consume start failed", slog.String("queue", queue), slog.Any("error", err))
			sleepCtx(ctx, g.cfg.ReconnectDelay)
			continue
		}
		slog.Info("consuming", slog.String("queue", queue))

	stream:
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return nil
			case d, ok := <-deliveries:
				if !ok {
					break stream
				}
				if err := process(ctx, d); err != nil {
					slog.Warn("delivery settle failed", slog.String("queue", queue), slog.Any("error", err))
				}
			}
		}
		_ = ch.Close()
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("delivery stream closed, reconnecting", slog.String("queue", queue))
		sleepCtx(ctx, g.cfg.ReconnectDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
