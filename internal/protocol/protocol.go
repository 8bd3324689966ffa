// Package protocol 定义实时连接上的事件信封以及双向事件的封闭集合。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"medconnect/internal/models"
)

type EventType string

const (
	EventConnected       EventType = "connected"
	EventSendMessage     EventType = "send_message"
	EventReceiveMessage  EventType = "receive_message"
	EventMessageSent     EventType = "message_sent"
	EventSendFailed      EventType = "send_failed"
	EventFetchPending    EventType = "fetch_pending"
	EventPendingMessages EventType = "pending_messages"
	EventError           EventType = "error"
)

// 注册前拒绝连接时使用的关闭码。
const (
	CloseMalformedToken = 4001
	CloseExpiredToken   = 4002
	CloseBadSignature   = 4003
	CloseUnknownUser    = 4004
	CloseAuthTimeout    = 4008
)

var ErrUnknownEvent = errors.New("protocol: unknown event")

type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound 由所有客户端发往服务端的事件实现。
type Inbound interface {
	inbound()
}

type SendMessage struct {
	ReceiverID     int64  `json:"receiver_id"`
	MessageContent string `json:"message_content"`
}

type FetchPending struct {
	Limit int `json:"limit"`
}

func (SendMessage) inbound()  {}
func (FetchPending) inbound() {}

// Outbound 由所有服务端发往客户端的事件实现。
type Outbound interface {
	Event() EventType
}

type Connected struct {
	UserID int64       `json:"user_id"`
	Role   models.Role `json:"role"`
}

type ReceiveMessage struct {
	Message models.Message `json:"message"`
}

type MessageSent struct {
	Message models.Message `json:"message"`
}

type SendFailed struct {
	Reason  string         `json:"reason"`
	Message models.Message `json:"message"`
}

type PendingMessages struct {
	Messages []models.Message `json:"messages"`
}

type Error struct {
	Reason string `json:"reason"`
}

func (Connected) Event() EventType       { return EventConnected }
func (ReceiveMessage) Event() EventType  { return EventReceiveMessage }
func (MessageSent) Event() EventType     { return EventMessageSent }
func (SendFailed) Event() EventType      { return EventSendFailed }
func (PendingMessages) Event() EventType { return EventPendingMessages }
func (Error) Event() EventType           { return EventError }

func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.Event(), Data: data})
}

// DecodeInbound 把客户端帧解析为对应的事件类型。
func DecodeInbound(b []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch env.Event {
	case EventSendMessage:
		var m SendMessage
		if err := unmarshalData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventFetchPending:
		var m FetchPending
		if err := unmarshalData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode data: %w", err)
	}
	return nil
}
