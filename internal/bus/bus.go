// Package bus carries tenant-scoped events over in-process channels or NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// MetadataTraceID carries the publisher's trace id across the bus.
const MetadataTraceID = "traceId"

var (
	// ErrClosed is returned by a bus after Close.
	ErrClosed = errors.New("bus is closed")

	errNoTenant = errors.New("tenantID is required")
)

// New builds the bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[MetadataTraceID] = sc.TraceID().String()
	}
	return msg
}
