package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"cardspace_rt/server/presence/domain"
)

const ExportExchange = "workspace.events"

// ExportedEvent is the JSON body published for external consumers.
type ExportedEvent struct {
	Event       domain.EventKind `json:"event"`
	NodeID      string           `json:"nodeId"`
	WorkspaceID string           `json:"workspaceId"`
	ScopeID     string           `json:"scopeId,omitempty"`
	User        domain.Identity  `json:"user"`
	MessageID   string           `json:"messageId,omitempty"`
	Text        string           `json:"text,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

// AMQPPublisher exports routed events to a topic exchange keyed by
// <workspaceId>.<event>.
type AMQPPublisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(ExportExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", ExportExchange, err)
	}
	return &AMQPPublisher{channel: ch}, nil
}

func (p *AMQPPublisher) Export(ctx context.Context, event ExportedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, ExportExchange, RoutingKey(event.WorkspaceID, event.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.UnixMilli(event.Timestamp),
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}

func RoutingKey(workspaceID string, event domain.EventKind) string {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return string(event)
	}
	return workspaceID + "." + string(event)
}
