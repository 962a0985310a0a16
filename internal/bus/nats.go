package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

// Header names used on the wire. The payload travels unwrapped as the
// message body so non-Go consumers can read events directly.
const (
	headerMessageID = nats.MsgIdHdr
	headerTenant    = "Fieldpay-Tenant"
	headerTimestamp = "Fieldpay-Timestamp"
	headerTrace     = "Fieldpay-Trace"
)

// NATSBus publishes on subjects of the form fieldpay.<tenant>.<topic>.
type NATSBus struct {
	mu         sync.Mutex
	conn       *nats.Conn
	queueGroup string
	subs       map[*nats.Subscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl, retrying the first connection up to
// cfg.NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("fieldpay"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error",
				"subject", subject,
				"error", err,
			)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*nats.Subscription]struct{}),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errNoTenant
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return b.conn.PublishMsg(encodeNATS(subjectFor(tenantID, topic), newMessage(ctx, tenantID, topic, payload)))
}

// Subscribe joins the configured queue group when there is one, so each
// event is handled by a single replica.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	deliver := func(m *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		msg, err := decodeNATS(m, topic)
		if err != nil {
			slog.Error("dropping malformed NATS message",
				"subject", m.Subject,
				"error", err,
			)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"tenant_id", msg.TenantID,
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	subject := subjectFor(tenantID, topic)
	var sub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(subject, b.queueGroup, deliver)
	} else {
		sub, err = b.conn.Subscribe(subject, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return &natsSubscription{topic: topic, sub: sub, bus: b}, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight deliveries before closing the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func subjectFor(tenantID, topic string) string {
	return "fieldpay." + tenantID + "." + topic
}

func encodeNATS(subject string, msg *domain.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = msg.Payload
	out.Header.Set(headerMessageID, msg.ID)
	out.Header.Set(headerTenant, msg.TenantID)
	out.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	if traceID := msg.Metadata[MetadataTraceID]; traceID != "" {
		out.Header.Set(headerTrace, traceID)
	}
	return out
}

// decodeNATS rebuilds a message. The tenant comes from the header and must
// agree with the subject.
func decodeNATS(m *nats.Msg, topic string) (*domain.Message, error) {
	tenantID := m.Header.Get(headerTenant)
	if tenantID == "" {
		return nil, errNoTenant
	}
	if m.Subject != subjectFor(tenantID, topic) {
		return nil, fmt.Errorf("subject %s does not match tenant %s", m.Subject, tenantID)
	}

	msg := &domain.Message{
		ID:       m.Header.Get(headerMessageID),
		TenantID: tenantID,
		Topic:    topic,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if ts := m.Header.Get(headerTimestamp); ts != "" {
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s header: %w", headerTimestamp, err)
		}
		msg.Timestamp = n
	}
	if traceID := m.Header.Get(headerTrace); traceID != "" {
		msg.Metadata[MetadataTraceID] = traceID
	}
	return msg, nil
}
