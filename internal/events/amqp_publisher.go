package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// DefaultExchange is the durable topic exchange engine events are published to.
const DefaultExchange = "groupbuy.events"

// RoutingKey returns the topic routing key for an event type, for example
// "groupbuy.group_confirmed".
func RoutingKey(t domain.EventType) string {
	return "groupbuy." + string(t)
}

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange for downstream
// consumers such as order fulfilment and payment refunds.
type AMQPPublisher struct {
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	reopen   func() (amqpChannel, error)
	declared bool
}

// NewAMQPPublisher dials rawURL and opens a channel.
func NewAMQPPublisher(rawURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("events: amqp url: %w", err)
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: amqp channel: %w", err)
	}

	p := newAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	p.reopen = func() (amqpChannel, error) { return conn.Channel() }
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger *slog.Logger) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{
		exchange: exchange,
		logger:   logger.With(slog.String("component", "amqp_publisher")),
		ch:       ch,
	}
}

// Publish sends ev as persistent JSON. A failed publish reopens the channel
// once and retries; further retries belong to the dispatcher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.ID, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, RoutingKey(ev.Type), msg)
	if err == nil {
		return nil
	}
	p.logger.WarnContext(ctx, "publish failed; reopening channel",
		slog.String("routing_key", RoutingKey(ev.Type)),
		slog.String("error", err.Error()),
	)
	if rerr := p.reopenLocked(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return p.publishLocked(ctx, RoutingKey(ev.Type), msg)
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, key string, msg amqp.Publishing) error {
	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("events: declare exchange %s: %w", p.exchange, err)
		}
		p.declared = true
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("events: amqp publish %s: %w", key, err)
	}
	return nil
}

func (p *AMQPPublisher) reopenLocked() error {
	if p.reopen == nil {
		return errors.New("events: amqp channel cannot be reopened")
	}
	ch, err := p.reopen()
	if err != nil {
		return fmt.Errorf("events: reopen amqp channel: %w", err)
	}
	_ = p.ch.Close()
	p.ch = ch
	p.declared = false
	return nil
}

func (p *AMQPPublisher) Name() string { return "amqp" }

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// sanitizeAMQPURL strips quoting and stray characters that env files tend to
// leave around the URL.
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

var _ domain.EventPublisher = (*AMQPPublisher)(nil)
