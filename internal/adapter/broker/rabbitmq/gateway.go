// Package rabbitmq is the broker gateway: it owns the AMQP connection,
// declares the moderation topology, publishes with confirms, and runs
// the consume loops for submissions and worker results.
//
// Publishes are mandatory and persistent. A publish only succeeds once
// the broker acks the confirm and no basic.return came back for the
// message, so callers can order irreversible side effects after it.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/content-moderator/internal/adapter/observability"
	"github.com/fairyhunter13/content-moderator/internal/config"
	"github.com/fairyhunter13/content-moderator/internal/domain"
)

// Gateway manages one AMQP connection shared by the publish path and
// the consume loops. Publishing is serialized on a dedicated channel in
// confirm mode; consumers each open their own channel.
type Gateway struct {
	cfg config.Config
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	returns chan amqp.Return
}

// New parses and normalizes the broker URL and returns an unconnected
// Gateway. The first publish or consume dials.
func New(cfg config.Config) (*Gateway, error) {
	url, err := normalizeURL(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("op=broker.New: %w", err)
	}
	return &Gateway{cfg: cfg, url: url}, nil
}

// normalizeURL defaults an absent or empty vhost to "/". A trailing
// slash in an AMQP URL parses as the empty vhost, which is not the same
// thing as the default vhost.
func normalizeURL(raw string) (string, error) {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String(), nil
}

// connection returns the live connection, dialing with exponential
// backoff if needed. Callers must hold g.mu.
func (g *Gateway) connection(ctx context.Context) (*amqp.Connection, error) {
	if g.conn != nil && !g.conn.IsClosed() {
		return g.conn, nil
	}
	if g.conn != nil {
		observability.BrokerReconnectsTotal.Inc()
	}
	g.pubCh = nil

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.ReconnectDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var conn *amqp.Connection
	dial := func() error {
		c, err := amqp.Dial(g.url)
		if err != nil {
			slog.Warn("broker dial failed, retrying", slog.Any("error", err))
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("op=broker.dial: %w", err)
	}
	g.conn = conn
	return conn, nil
}

// channel opens a fresh channel with topology declared and prefetch set.
func (g *Gateway) channel(ctx context.Context) (*amqp.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, err := g.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=broker.channel: %w", err)
	}
	if err := declareTopology(ch, g.cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(g.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("op=broker.channel: qos: %w", err)
	}
	return ch, nil
}

// declareTopology declares the three exchanges and the two queues this
// plane consumes from. Declarations are idempotent; workers declare and
// bind their own task queues against the ingress exchange.
func declareTopology(ch *amqp.Channel, cfg config.Config) error {
	exchanges := []struct{ name, kind string }{
		{cfg.IngressExchange, "topic"},
		{cfg.ResultExchange, "direct"},
		{cfg.EgressExchange, "topic"},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("op=broker.topology: exchange %s: %w", ex.name, err)
		}
	}
	bindings := []struct{ queue, key, exchange string }{
		{cfg.IngressQueueName, cfg.IngressRoutingKey, cfg.IngressExchange},
		{cfg.ResultQueueName, cfg.ResultRoutingKey, cfg.ResultExchange},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("op=broker.topology: queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("op=broker.topology: bind %s: %w", b.queue, err)
		}
	}
	return nil
}

// publishChannel returns the confirm-mode channel used for all
// publishes, creating it on demand. Callers must hold g.mu.
func (g *Gateway) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	if g.pubCh != nil && !g.pubCh.IsClosed() {
		return g.pubCh, nil
	}
	conn, err := g.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=broker.publish_channel: %w", err)
	}
	if err := declareTopology(ch, g.cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("op=broker.publish_channel: confirm: %w", err)
	}
	// Buffered so the library never blocks dispatching a basic.return
	// between our publish and confirm wait.
	g.returns = make(chan amqp.Return, 16)
	ch.NotifyReturn(g.returns)
	g.pubCh = ch
	return ch, nil
}

// publish sends one persistent, mandatory message and waits for the
// broker confirm. An unroutable message is surfaced as ErrUnroutable:
// the broker sends basic.return before the ack on the same channel, so
// by confirm time the return is already in the channel buffer.
func (g *Gateway) publish(ctx context.Context, exchange, routingKey, messageID, correlationID string, headers amqp.Table, body []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, err := g.publishChannel(ctx)
	if err != nil {
		observability.PublishFailuresTotal.WithLabelValues(exchange).Inc()
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          body,
	})
	if err != nil {
		observability.PublishFailuresTotal.WithLabelValues(exchange).Inc()
		g.pubCh = nil
		return fmt.Errorf("op=broker.publish: exchange=%s key=%s: %w", exchange, routingKey, err)
	}
	select {
	case <-ctx.Done():
		observability.PublishFailuresTotal.WithLabelValues(exchange).Inc()
		return fmt.Errorf("op=broker.publish: confirm wait: %w", ctx.Err())
	case <-dc.Done():
	}
	for {
		select {
		case ret := <-g.returns:
			if ret.MessageId == messageID {
				observability.PublishFailuresTotal.WithLabelValues(exchange).Inc()
				return fmt.Errorf("op=broker.publish: exchange=%s key=%s reply=%s: %w",
					exchange, routingKey, ret.ReplyText, domain.ErrUnroutable)
			}
			continue
		default:
		}
		break
	}
	if !dc.Acked() {
		observability.PublishFailuresTotal.WithLabelValues(exchange).Inc()
		return fmt.Errorf("op=broker.publish: exchange=%s key=%s: broker nacked", exchange, routingKey)
	}
	return nil
}

// PublishTaskRequest fans one task request out to the ingress exchange,
// routed by modality. Implements domain.TaskPublisher.
func (g *Gateway) PublishTaskRequest(ctx domain.Context, m domain.Modality, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=broker.PublishTaskRequest: %w", err)
	}
	headers := amqp.Table{"x-service-name": g.cfg.ServiceID}
	if err := g.publish(ctx, g.cfg.IngressExchange, m.RoutingKey(), env.MessageID, env.CorrelationID, headers, body); err != nil {
		return err
	}
	observability.TasksPublishedTotal.WithLabelValues(string(m)).Inc()
	return nil
}

// publishCompletion sends the final job event to the egress exchange.
// The body is a pre-serialized envelope; its message_id is reused as the
// AMQP property so a retried publish stays byte and id identical.
func (g *Gateway) publishCompletion(ctx context.Context, correlationID string, body []byte) error {
	var meta struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(body, &meta)
	headers := amqp.Table{"x-service-name": g.cfg.ServiceID}
	return g.publish(ctx, g.cfg.EgressExchange, g.cfg.EgressRoutingKey, meta.MessageID, correlationID, headers, body)
}

// Close tears down the connection.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pubCh = nil
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	if err != nil {
		return fmt.Errorf("op=broker.Close: %w", err)
	}
	return nil
}
