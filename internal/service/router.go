package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"medconnect/internal/metrics"
	"medconnect/internal/models"
	"medconnect/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Endpoint 是一个可投递的实时连接。Deliver 在事件写出后返回。
type Endpoint interface {
	Deliver(ctx context.Context, event []byte) error
}

// Locator 按用户解析当前在线连接，由 ws.Registry 实现。
type Locator interface {
	Lookup(userID int64) []Endpoint
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	SetDeliveryState(ctx context.Context, id int64, state models.DeliveryState) error
}

// UserDirectory 确认接收方是已知用户。
type UserDirectory interface {
	Exists(ctx context.Context, userID int64) (bool, error)
}

type RouterOptions struct {
	DeliveryTimeout time.Duration
	MaxContentChars int

	// Users 为 nil 时接受任意正数的接收方 id。
	Users UserDirectory
}

// Router 持久化消息并投递到接收方的全部在线连接，不保留任何连接状态。
type Router struct {
	store   MessageStore
	locator Locator
	opts    RouterOptions
	pairs   pairLocks
	now     func() time.Time
}

func NewRouter(store MessageStore, locator Locator, opts RouterOptions) *Router {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = 4000
	}
	return &Router{store: store, locator: locator, opts: opts, now: time.Now}
}

// Route 校验并持久化消息（queued），随后投递；至少一个连接写出成功即标记 delivered。
// 返回错误时附带的消息状态为 failed 且未持久化。
func (r *Router) Route(ctx context.Context, sender models.Identity, receiverID int64, content string) (models.Message, error) {
	msg := models.Message{
		SenderID:      sender.UserID,
		ReceiverID:    receiverID,
		Content:       content,
		DeliveryState: models.DeliveryFailed,
	}
	if err := r.validate(ctx, sender, receiverID, content); err != nil {
		metrics.RouteFailuresTotal.WithLabelValues(FailureReason(err)).Inc()
		return msg, err
	}

	// 同一 (sender, receiver) 对串行处理，保证接收方看到的顺序与接受顺序一致。
	unlock := r.pairs.lock(sender.UserID, receiverID)
	defer unlock()

	msg.SentAt = r.now().UTC()
	msg.DeliveryState = models.DeliveryQueued
	if err := r.store.CreateMessage(ctx, &msg); err != nil {
		log.Error().Err(err).Int64("sender_id", sender.UserID).Int64("receiver_id", receiverID).Msg("persist message")
		metrics.RouteFailuresTotal.WithLabelValues(FailureReason(ErrPersistFailure)).Inc()
		msg.DeliveryState = models.DeliveryFailed
		return msg, fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}

	endpoints := r.locator.Lookup(receiverID)
	if len(endpoints) == 0 {
		metrics.MessagesRoutedTotal.WithLabelValues(string(models.DeliveryQueued)).Inc()
		return msg, nil
	}

	delivered := msg
	delivered.DeliveryState = models.DeliveryDelivered
	event, err := protocol.Encode(protocol.ReceiveMessage{Message: delivered})
	if err != nil {
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("encode receive_message")
		metrics.MessagesRoutedTotal.WithLabelValues(string(models.DeliveryQueued)).Inc()
		return msg, nil
	}

	if r.deliverAll(ctx, endpoints, event) == 0 {
		log.Warn().Int64("message_id", msg.ID).Int64("receiver_id", receiverID).Msg("no live connection accepted message; left queued")
		metrics.MessagesRoutedTotal.WithLabelValues(string(models.DeliveryQueued)).Inc()
		return msg, nil
	}
	if err := r.store.SetDeliveryState(ctx, msg.ID, models.DeliveryDelivered); err != nil {
		// 接收方已收到；状态停留在 queued 时会在拉取 pending 时再次出现。
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("mark message delivered")
	}
	metrics.MessagesRoutedTotal.WithLabelValues(string(models.DeliveryDelivered)).Inc()
	return delivered, nil
}

func (r *Router) validate(ctx context.Context, sender models.Identity, receiverID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > r.opts.MaxContentChars {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidContent, r.opts.MaxContentChars)
	}
	if receiverID <= 0 || receiverID == sender.UserID {
		return ErrInvalidReceiver
	}
	if r.opts.Users == nil {
		return nil
	}
	ok, err := r.opts.Users.Exists(ctx, receiverID)
	if err != nil {
		return fmt.Errorf("%w: receiver lookup: %v", ErrPersistFailure, err)
	}
	if !ok {
		return fmt.Errorf("%w: user %d not found", ErrInvalidReceiver, receiverID)
	}
	return nil
}

// deliverAll 并发写给每个连接，单个连接超时视为不在线。返回成功数。
func (r *Router) deliverAll(ctx context.Context, endpoints []Endpoint, event []byte) int {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DeliveryTimeout)
	defer cancel()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			if err := ep.Deliver(ctx, event); err != nil {
				metrics.DeliveryFailuresTotal.Inc()
				log.Debug().Err(err).Msg("deliver receive_message")
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(ep)
	}
	wg.Wait()
	return ok
}

type pairKey struct{ sender, receiver int64 }

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks 为每个 (sender, receiver) 对提供一把按需创建、用完回收的锁。
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func (p *pairLocks) lock(sender, receiver int64) (unlock func()) {
	key := pairKey{sender, receiver}
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[pairKey]*pairLock)
	}
	l := p.locks[key]
	if l == nil {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
