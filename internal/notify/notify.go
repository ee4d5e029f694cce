package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/livegate/internal/broadcast"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/ffmpeg"
)

const (
	ExchangeName = "livegate.broadcasts"

	routingKeyStarted = "broadcast.started"
	routingKeyReady   = "broadcast.ready"
	routingKeyStopped = "broadcast.stopped"
	routingKeyStats   = "broadcast.stats"
)

// Event is the envelope for every published notification.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type stoppedPayload struct {
	Info   broadcast.BroadcastInfo `json:"info"`
	Reason string                  `json:"reason"`
}

type statsPayload struct {
	SessionID string                `json:"sessionId"`
	Stats     ffmpeg.TranscodeStats `json:"stats"`
}

// Publisher sends broadcast lifecycle events to a RabbitMQ topic exchange
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new publisher
func New(cfg config.QueueConfig) (*Publisher, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: channel,
	}, nil
}

// Close closes the publisher connection
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// BroadcastStarted announces a new broadcast
func (p *Publisher) BroadcastStarted(ctx context.Context, info broadcast.BroadcastInfo) error {
	return p.publish(ctx, routingKeyStarted, info)
}

// BroadcastReady announces that the broadcast playlist is servable
func (p *Publisher) BroadcastReady(ctx context.Context, info broadcast.BroadcastInfo) error {
	return p.publish(ctx, routingKeyReady, info)
}

// BroadcastStopped announces the end of a broadcast
func (p *Publisher) BroadcastStopped(ctx context.Context, info broadcast.BroadcastInfo, reason string) error {
	return p.publish(ctx, routingKeyStopped, stoppedPayload{Info: info, Reason: reason})
}

// TranscodeProgress publishes periodic encoder statistics
func (p *Publisher) TranscodeProgress(ctx context.Context, sessionID string, stats ffmpeg.TranscodeStats) error {
	return p.publish(ctx, routingKeyStats, statsPayload{SessionID: sessionID, Stats: stats})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload interface{}) error {
	event := Event{
		ID:        uuid.New().String(),
		Type:      routingKey,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    event.Timestamp,
			MessageId:    event.ID,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}

	return nil
}
