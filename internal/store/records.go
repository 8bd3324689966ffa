package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"medconnect/internal/models"

	"gorm.io/gorm"
)

// RecordStore 负责病历的持久化，每个查询都命中 models.MedicalRecord 上声明的一个复合索引。
type RecordStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db, now: time.Now}
}

// DateRange 是按日期查询的闭区间，nil 表示该端不限。
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Insert 追加一条记录并返回 id。id 由数据库分配，不同患者的写入互不等待。
func (s *RecordStore) Insert(ctx context.Context, rec *models.MedicalRecord) (int64, error) {
	rec.RecordType = strings.TrimSpace(rec.RecordType)
	if rec.PatientID <= 0 || rec.RecordType == "" || rec.RecordDate.IsZero() {
		return 0, ErrInvalidRecord
	}
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return 0, ErrInvalidRecord
	}
	rec.ID = 0
	rec.RecordDate = normalize(rec.RecordDate)
	rec.CreatedAt = normalize(s.now())
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, translate(err)
	}
	return rec.ID, nil
}

func (s *RecordStore) Get(ctx context.Context, id int64) (*models.MedicalRecord, error) {
	var rec models.MedicalRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// ByPatientAndDate 按 record_date 降序返回患者记录，limit 为 0 时返回全部。
func (s *RecordStore) ByPatientAndDate(ctx context.Context, patientID int64, r DateRange, limit int) ([]models.MedicalRecord, error) {
	q := s.db.WithContext(ctx).Where("patient_id = ?", patientID)
	if r.From != nil {
		q = q.Where("record_date >= ?", normalize(*r.From))
	}
	if r.To != nil {
		q = q.Where("record_date <= ?", normalize(*r.To))
	}
	return find(q.Order("record_date desc, id desc"), limit)
}

// ByPatientAndType 返回患者某一类型的记录，新的在前。
func (s *RecordStore) ByPatientAndType(ctx context.Context, patientID int64, recordType string, limit int) ([]models.MedicalRecord, error) {
	q := s.db.WithContext(ctx).
		Where("patient_id = ? AND record_type = ?", patientID, strings.TrimSpace(recordType)).
		Order("record_date desc, id desc")
	return find(q, limit)
}

// Recent 跨患者扫描 created_at 索引。
func (s *RecordStore) Recent(ctx context.Context, limit int) ([]models.MedicalRecord, error) {
	if limit <= 0 {
		return []models.MedicalRecord{}, nil
	}
	return find(s.db.WithContext(ctx).Order("created_at desc, id desc"), limit)
}

func find(q *gorm.DB, limit int) ([]models.MedicalRecord, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	out := []models.MedicalRecord{}
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// normalize 统一为 UTC 微秒精度，两种驱动都能原样读回。
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
