package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func (r Role) Valid() bool { return r == RolePatient || r == RoleDoctor }

// Identity 是附着在连接上的已认证 (user_id, role)。
type Identity struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// Connection 描述一条在线的实时会话，只由连接注册表创建。
type Connection struct {
	ID            string    `json:"connection_id"`
	UserID        int64     `json:"user_id"`
	Role          Role      `json:"role"`
	EstablishedAt time.Time `json:"established_at"`
}

func (c Connection) Identity() Identity { return Identity{UserID: c.UserID, Role: c.Role} }

type User struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Role        Role      `gorm:"size:16;not null" json:"role"`
	DisplayName string    `gorm:"size:128" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

type Message struct {
	ID            int64         `gorm:"primaryKey" json:"message_id"`
	SenderID      int64         `gorm:"index:idx_msg_pair,priority:1;not null" json:"sender_id"`
	ReceiverID    int64         `gorm:"index:idx_msg_pair,priority:2;index:idx_msg_receiver_state,priority:1;not null" json:"receiver_id"`
	Content       string        `gorm:"type:text;not null" json:"content"`
	SentAt        time.Time     `gorm:"not null" json:"sent_at"`
	DeliveryState DeliveryState `gorm:"size:16;index:idx_msg_receiver_state,priority:2;not null" json:"delivery_state"`
}

// MedicalRecord 只追加不修改，三个索引分别服务于按日期、按类型和全局最新的查询。
type MedicalRecord struct {
	ID         int64     `gorm:"primaryKey" json:"record_id"`
	PatientID  int64     `gorm:"not null;index:idx_record_patient_date,priority:1;index:idx_record_patient_type,priority:1" json:"patient_id"`
	RecordType string    `gorm:"size:64;not null;index:idx_record_patient_type,priority:2" json:"record_type"`
	RecordDate time.Time `gorm:"not null;index:idx_record_patient_date,priority:2,sort:desc" json:"record_date"`
	CreatedAt  time.Time `gorm:"not null;index:idx_record_created_at,sort:desc" json:"created_at"`
	Payload    Payload   `json:"payload"`
}

// Payload 保存记录的原始 JSON，Postgres 上存为 jsonb，其他驱动存为 text。
type Payload json.RawMessage

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return []byte(p), nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	if p == nil {
		return errors.New("models: UnmarshalJSON on nil Payload")
	}
	*p = append((*p)[:0], b...)
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, errors.New("models: payload is not valid JSON")
	}
	return string(p), nil
}

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return errors.New("models: unsupported payload column type")
	}
	return nil
}

func (Payload) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "text"
}
