package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"medconnect/internal/auth"
	"medconnect/internal/metrics"
	"medconnect/internal/models"
	"medconnect/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// MessageRouter 由 service.Router 实现。
type MessageRouter interface {
	Route(ctx context.Context, sender models.Identity, receiverID int64, content string) (models.Message, error)
}

// PendingQueue 由 service.MessageService 实现。
type PendingQueue interface {
	Pending(ctx context.Context, who models.Identity, limit int) ([]models.Message, error)
	Ack(ctx context.Context, who models.Identity, ids []int64) (int64, error)
}

type Options struct {
	AuthTimeout     time.Duration
	DeliveryTimeout time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	SendRate        rate.Limit
	SendBurst       int
}

func (o *Options) defaults() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 5 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.SendRate <= 0 {
		o.SendRate = rate.Inf
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
}

// Gateway 是实时连接的入口：升级、认证、注册，然后分发入站事件。
// 连接状态依次为 pending、authenticated、closed，不会回退。
type Gateway struct {
	verifier *auth.Verifier
	users    auth.UserChecker
	registry *Registry
	router   MessageRouter
	pending  PendingQueue
	opts     Options
	upgrader websocket.Upgrader
}

// NewGateway 创建网关；users 为 nil 时不向用户目录确认身份。
func NewGateway(v *auth.Verifier, users auth.UserChecker, reg *Registry, router MessageRouter, pending PendingQueue, opts Options) *Gateway {
	opts.defaults()
	return &Gateway{
		verifier: v,
		users:    users,
		registry: reg,
		router:   router,
		pending:  pending,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出 HTTP 错误响应。
		log.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	id, err := g.admit(r.Context(), auth.BearerToken(r))
	if err != nil {
		g.reject(conn, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := newClient(g, conn, id)
	// connected 先入队再注册，保证它是该连接上的第一个事件。
	client.push(protocol.Connected{UserID: id.UserID, Role: id.Role})
	info := g.registry.Register(id, client)
	client.connID = info.ID
	defer client.shutdown()
	defer g.registry.Unregister(info.ID)

	log.Info().Str("connection_id", info.ID).Int64("user_id", id.UserID).Str("role", string(id.Role)).Msg("connection established")
	go client.writePump()
	client.readPump(ctx)
	log.Info().Str("connection_id", info.ID).Int64("user_id", id.UserID).Msg("connection closed")
}

// admit 在 AuthTimeout 内完成 token 校验与用户确认，超时返回 auth.ErrTimeout。
func (g *Gateway) admit(ctx context.Context, token string) (models.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.AuthTimeout)
	defer cancel()

	type result struct {
		id  models.Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := g.verifier.Verify(token)
		if err == nil && g.users != nil {
			ok, uerr := g.users.Exists(ctx, id.UserID)
			switch {
			case ctx.Err() != nil:
				err = auth.ErrTimeout
			case uerr != nil:
				err = uerr
			case !ok:
				err = auth.ErrUnknownUser
			}
		}
		done <- result{id: id, err: err}
	}()

	select {
	case res := <-done:
		return res.id, res.err
	case <-ctx.Done():
		return models.Identity{}, auth.ErrTimeout
	}
}

func (g *Gateway) reject(conn *websocket.Conn, err error) {
	code, reason := closeFor(err)
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	log.Info().Err(err).Int("close_code", code).Msg("connection rejected")
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// closeFor 把认证失败映射为关闭码与原因。
func closeFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMalformed):
		return protocol.CloseMalformedToken, auth.Reason(err)
	case errors.Is(err, auth.ErrExpired):
		return protocol.CloseExpiredToken, auth.Reason(err)
	case errors.Is(err, auth.ErrBadSignature):
		return protocol.CloseBadSignature, auth.Reason(err)
	case errors.Is(err, auth.ErrUnknownUser):
		return protocol.CloseUnknownUser, auth.Reason(err)
	case errors.Is(err, auth.ErrTimeout):
		return protocol.CloseAuthTimeout, auth.Reason(err)
	default:
		return websocket.CloseInternalServerErr, "user_directory_unavailable"
	}
}
