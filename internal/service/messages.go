package service

import (
	"context"

	"medconnect/internal/models"
)

// MessageQueries 是 store.MessageStore 的读取与确认接口。
type MessageQueries interface {
	ListPending(ctx context.Context, receiverID int64, limit int) ([]models.Message, error)
	MarkDelivered(ctx context.Context, receiverID int64, ids []int64) (int64, error)
	Conversation(ctx context.Context, a, b int64, limit int, beforeID int64) ([]models.Message, error)
}

// MessageService 封装历史消息与 pending 消息的查询。
type MessageService struct {
	store MessageQueries
}

func NewMessageService(s MessageQueries) *MessageService {
	return &MessageService{store: s}
}

// History 返回调用者与 peer 之间的消息，按 id 升序，包含仍为 queued 的消息。
func (s *MessageService) History(ctx context.Context, who models.Identity, peerID int64, limit int, beforeID int64) ([]models.Message, error) {
	if peerID <= 0 {
		return nil, ErrInvalidReceiver
	}
	return s.store.Conversation(ctx, who.UserID, peerID, limit, beforeID)
}

// Pending 返回发给调用者但尚未送达的消息，按发送顺序。
func (s *MessageService) Pending(ctx context.Context, who models.Identity, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListPending(ctx, who.UserID, limit)
}

// Ack 将调用者确认收到的 pending 消息标记为 delivered。
func (s *MessageService) Ack(ctx context.Context, who models.Identity, ids []int64) (int64, error) {
	return s.store.MarkDelivered(ctx, who.UserID, ids)
}
