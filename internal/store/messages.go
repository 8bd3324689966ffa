package store

import (
	"context"

	"medconnect/internal/models"

	"gorm.io/gorm"
)

// MessageStore 持久化路由过的消息及其投递状态。
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) CreateMessage(ctx context.Context, m *models.Message) error {
	m.SentAt = normalize(m.SentAt)
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *MessageStore) SetDeliveryState(ctx context.Context, id int64, state models.DeliveryState) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Update("delivery_state", state)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending 按发送顺序返回接收方仍处于 queued 的消息。
func (s *MessageStore) ListPending(ctx context.Context, receiverID int64, limit int) ([]models.Message, error) {
	q := s.db.WithContext(ctx).
		Where("receiver_id = ? AND delivery_state = ?", receiverID, models.DeliveryQueued).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	out := []models.Message{}
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// MarkDelivered 把发给 receiverID 的 queued 消息置为 delivered，其他接收方的 id 会被忽略。
func (s *MessageStore) MarkDelivered(ctx context.Context, receiverID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("receiver_id = ? AND delivery_state = ? AND id IN ?", receiverID, models.DeliveryQueued, ids).
		Update("delivery_state", models.DeliveryDelivered)
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

// Conversation 返回 a 与 b 之间的消息，旧的在前；beforeID 用于向前翻页。
func (s *MessageStore) Conversation(ctx context.Context, a, b int64, limit int, beforeID int64) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where(
		"((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))", a, b, b, a)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, translate(err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}
