// Package events publishes scheduling domain events after commit.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "clinic.scheduling"

// AMQPPublisher publishes events to a RabbitMQ topic exchange using the
// event type as the routing key.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   zerolog.Logger
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	logger.Info().Str("exchange", exchange).Msg("rabbitmq publisher ready")
	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.With().Str("component", "events").Logger(),
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev scheduling.DomainEvent) error {
	msg, err := message(ctx, ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.logger.Debug().Str("event", string(ev.Type)).Str("event_id", ev.ID.String()).Msg("event published")
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	if p == nil || p.channel == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}

func message(ctx context.Context, ev scheduling.DomainEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	headers := amqp.Table{}
	if clinic := db.ClinicFromContext(ctx); clinic != "" {
		headers["clinic_id"] = clinic
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
		Headers:      headers,
		Body:         body,
	}, nil
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, ev scheduling.DomainEvent) error {
	evt := p.logger.Info().
		Str("event", string(ev.Type)).
		Str("event_id", ev.ID.String()).
		Str("clinic_id", db.ClinicFromContext(ctx))
	if ev.Appointment != nil {
		evt = evt.Str("appointment_id", ev.Appointment.ID.String()).Str("status", string(ev.Appointment.Status))
	}
	if ev.Template != nil {
		evt = evt.Str("template_id", ev.Template.ID.String())
	}
	evt.Msg("domain event")
	return nil
}

// Fanout delivers each event to every publisher, in order. A failing
// publisher does not stop the rest; their errors are joined.
type Fanout []scheduling.EventPublisher

func (f Fanout) Publish(ctx context.Context, ev scheduling.DomainEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
