package domain

import (
	"context"
)

// EventBus carries payment, alert and reconciliation events. Topics are
// scoped per tenant; a subscriber only sees its own tenant's messages.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	// ChannelBufferSize bounds each in-process subscriber's queue. A full
	// queue makes Publish wait.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup, when set, makes every subscription a queue subscription
	// so worker replicas split each tenant's payment stream.
	NATSQueueGroup string
}

// Topics consumed and emitted by the fraud and reconciliation pipeline.
const (
	TopicPaymentCreated         = "payment.created"
	TopicPaymentUpdated         = "payment.updated"
	TopicAlertCreated           = "alert.created"
	TopicReconciliationRecorded = "reconciliation.recorded"
)

// PaymentEvent is the payload of payment created/updated events.
// Agent is optional; when present the agent read model is refreshed first.
type PaymentEvent struct {
	Payment Payment `json:"payment"`
	Agent   *Agent  `json:"agent,omitempty"`
	ActorID string  `json:"actorId,omitempty"`
	TraceID string  `json:"traceId,omitempty"`
}

// AlertEvent is the payload of alert.created events.
type AlertEvent struct {
	AlertID   string   `json:"alertId"`
	PaymentID string   `json:"paymentId"`
	RuleID    string   `json:"ruleId"`
	RuleType  RuleType `json:"ruleType"`
	RiskScore float64  `json:"riskScore"`
	Severity  Severity `json:"severity"`
}

// ReconciliationEvent is the payload of reconciliation.recorded events.
type ReconciliationEvent struct {
	ReconciliationID string               `json:"reconciliationId"`
	PaymentID        string               `json:"paymentId"`
	BatchID          string               `json:"batchId,omitempty"`
	RunID            string               `json:"runId,omitempty"`
	Status           ReconciliationStatus `json:"status"`
	Difference       string               `json:"difference"`
}
