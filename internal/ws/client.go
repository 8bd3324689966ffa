package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"medconnect/internal/models"
	"medconnect/internal/protocol"
	"medconnect/internal/service"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var errClientClosed = errors.New("ws: connection closed")

// outbound 携带待写出的帧；done 非 nil 时 writePump 回报写出结果。
type outbound struct {
	data []byte
	done chan error
}

// Client 是一条已认证的连接。send 只由 writePump 消费且从不关闭，
// 关闭由 closed 通知。
type Client struct {
	gw       *Gateway
	conn     *websocket.Conn
	identity models.Identity
	connID   string
	send     chan outbound
	closed   chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
}

func newClient(gw *Gateway, conn *websocket.Conn, id models.Identity) *Client {
	return &Client{
		gw:       gw,
		conn:     conn,
		identity: id,
		send:     make(chan outbound, gw.opts.SendBuffer),
		closed:   make(chan struct{}),
		limiter:  rate.NewLimiter(gw.opts.SendRate, gw.opts.SendBurst),
	}
}

// Deliver 把事件交给 writePump，并等待写出完成、ctx 结束或连接关闭。
func (c *Client) Deliver(ctx context.Context, event []byte) error {
	done := make(chan error, 1)
	select {
	case c.send <- outbound{data: event, done: done}:
	case <-c.closed:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-c.closed:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// push 发送给本连接自己的回执，不等待写出。
func (c *Client) push(ev protocol.Outbound) {
	b, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Event())).Msg("encode event")
		return
	}
	select {
	case c.send <- outbound{data: b}:
	case <-c.closed:
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.shutdown()
	c.conn.SetReadLimit(c.gw.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("connection_id", c.connID).Msg("read")
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, out.data)
			if out.done != nil {
				out.done <- err
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// handle 顺序处理每个入站事件，同一连接发出的消息因此保持提交顺序。
func (c *Client) handle(ctx context.Context, data []byte) {
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		reason := "malformed_event"
		if errors.Is(err, protocol.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		c.push(protocol.Error{Reason: reason})
		return
	}
	switch ev := in.(type) {
	case protocol.SendMessage:
		c.sendMessage(ctx, ev)
	case protocol.FetchPending:
		c.fetchPending(ctx, ev)
	}
}

func (c *Client) sendMessage(ctx context.Context, ev protocol.SendMessage) {
	if !c.limiter.Allow() {
		c.push(protocol.SendFailed{
			Reason: "rate_limited",
			Message: models.Message{
				SenderID:      c.identity.UserID,
				ReceiverID:    ev.ReceiverID,
				Content:       ev.MessageContent,
				DeliveryState: models.DeliveryFailed,
			},
		})
		return
	}
	msg, err := c.gw.router.Route(ctx, c.identity, ev.ReceiverID, ev.MessageContent)
	if err != nil {
		c.push(protocol.SendFailed{Reason: service.FailureReason(err), Message: msg})
		return
	}
	c.push(protocol.MessageSent{Message: msg})
}

// fetchPending 写出 pending 消息，写出成功后才将其标记为 delivered。
func (c *Client) fetchPending(ctx context.Context, ev protocol.FetchPending) {
	msgs, err := c.gw.pending.Pending(ctx, c.identity, ev.Limit)
	if err != nil {
		log.Error().Err(err).Int64("user_id", c.identity.UserID).Msg("list pending")
		c.push(protocol.Error{Reason: "persist_failure"})
		return
	}
	ids := make([]int64, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		msgs[i].DeliveryState = models.DeliveryDelivered
	}
	b, err := protocol.Encode(protocol.PendingMessages{Messages: msgs})
	if err != nil {
		log.Error().Err(err).Msg("encode pending_messages")
		return
	}
	dctx, cancel := context.WithTimeout(ctx, c.gw.opts.DeliveryTimeout)
	defer cancel()
	if err := c.Deliver(dctx, b); err != nil {
		log.Debug().Err(err).Str("connection_id", c.connID).Msg("deliver pending_messages")
		return
	}
	if _, err := c.gw.pending.Ack(ctx, c.identity, ids); err != nil {
		log.Error().Err(err).Int64("user_id", c.identity.UserID).Msg("ack pending")
	}
}

var _ service.Endpoint = (*Client)(nil)
