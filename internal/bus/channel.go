package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

// ChannelBus is the single-process bus. Each subscriber drains its own
// bounded queue on a dedicated goroutine, so one slow handler never delays
// another topic. Publish waits for queue space instead of dropping events.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[string]map[string]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	queue   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a bus whose subscriber queues hold bufferSize
// messages (1000 when bufferSize is not positive).
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[string]map[string]*channelSubscription),
	}
}

// Publish fans the message out to every subscriber of the tenant's topic.
// It returns ctx.Err() if a full queue does not drain before ctx ends.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errNoTenant
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*channelSubscription, 0, len(b.subs[topicKey(tenantID, topic)]))
	for _, sub := range b.subs[topicKey(tenantID, topic)] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	msg := newMessage(ctx, tenantID, topic, payload)
	for _, sub := range targets {
		select {
		case sub.queue <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			slog.Warn("publish abandoned on full subscriber queue",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts delivering the tenant's topic to handler until ctx ends,
// Unsubscribe is called or the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		key:     topicKey(tenantID, topic),
		topic:   topic,
		handler: handler,
		queue:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	if b.subs[sub.key] == nil {
		b.subs[sub.key] = make(map[string]*channelSubscription)
	}
	b.subs[sub.key][sub.id] = sub

	go sub.run()
	return sub, nil
}

// Subscribers reports how many live subscriptions the tenant's topic has.
func (b *ChannelBus) Subscribers(tenantID, topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topicKey(tenantID, topic)])
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Queued but undelivered messages are
// discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, group := range b.subs {
		for _, sub := range group {
			sub.cancel()
		}
	}
	b.subs = make(map[string]map[string]*channelSubscription)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if group, ok := b.subs[sub.key]; ok {
		delete(group, sub.id)
		if len(group) == 0 {
			delete(b.subs, sub.key)
		}
	}
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"tenant_id", msg.TenantID,
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}

func topicKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}
