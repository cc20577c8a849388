package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

const amqpPublishTimeout = 5 * time.Second

// AMQPPublisher publishes events to a durable topic exchange, using the event
// kind as routing key.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *logger.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// DialAMQP connects with retry and declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = logger.Nop()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, log: log}

	maxRetries := 10
	retryDelay := time.Second
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := p.connect()
		if err == nil {
			log.Info(logger.Entry{Action: "amqp_connected", Message: "connected to broker",
				Additional: map[string]any{"exchange": exchange, "attempt": attempt}})
			return p, nil
		}
		log.Error(logger.Entry{Action: "amqp_connection_attempt_failed", Message: err.Error(), Error: logger.Err(err),
			Additional: map[string]any{"attempt": attempt, "max_retries": maxRetries, "retry_in_sec": retryDelay.Seconds()}})
		if attempt == maxRetries {
			return nil, fmt.Errorf("connect amqp after %d attempts: %w", maxRetries, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
			retryDelay = time.Duration(float64(retryDelay) * 1.5)
			if retryDelay > 30*time.Second {
				retryDelay = 30 * time.Second
			}
		}
	}
	return nil, errors.New("amqp retry loop ended without a connection")
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg dispatch.OutboxMessage) error {
	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		if err := p.reconnect(); err != nil {
			return err
		}
		p.mu.RLock()
		ch = p.ch
		p.mu.RUnlock()
	}

	publishCtx, cancel := context.WithTimeout(ctx, amqpPublishTimeout)
	defer cancel()
	err := ch.PublishWithContext(publishCtx, p.exchange, msg.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Body:         msg.Payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.CreatedAt,
		Headers:      amqp.Table{"booking_id": msg.BookingID},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	p.log.Debug(logger.Entry{Action: "event_published", Message: msg.Kind, BookingID: msg.BookingID,
		Additional: map[string]any{"routing_key": msg.Kind}})
	return nil
}

func (p *AMQPPublisher) reconnect() error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New("amqp publisher closed")
	}
	p.log.Warn(logger.Entry{Action: "amqp_reconnect", Message: "channel closed, reconnecting"})
	return p.connect()
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.log.Info(logger.Entry{Action: "amqp_closed", Message: "connection closed"})
}
