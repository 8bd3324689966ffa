package service

import (
	"context"

	"medconnect/internal/metrics"
	"medconnect/internal/models"
	"medconnect/internal/store"
)

// RecordStore 是 store.RecordStore 的查询与写入接口。
type RecordStore interface {
	Insert(ctx context.Context, rec *models.MedicalRecord) (int64, error)
	Get(ctx context.Context, id int64) (*models.MedicalRecord, error)
	ByPatientAndDate(ctx context.Context, patientID int64, r store.DateRange, limit int) ([]models.MedicalRecord, error)
	ByPatientAndType(ctx context.Context, patientID int64, recordType string, limit int) ([]models.MedicalRecord, error)
	Recent(ctx context.Context, limit int) ([]models.MedicalRecord, error)
}

// RecordService 在记录存储之上做角色校验：患者只能读取自己的记录，医生可读写全部。
type RecordService struct {
	store RecordStore
}

func NewRecordService(s RecordStore) *RecordService {
	return &RecordService{store: s}
}

func canRead(who models.Identity, patientID int64) bool {
	return who.Role == models.RoleDoctor || (who.Role == models.RolePatient && who.UserID == patientID)
}

// Insert 写入一条新记录，仅医生可调用。
func (s *RecordService) Insert(ctx context.Context, who models.Identity, rec *models.MedicalRecord) (int64, error) {
	if who.Role != models.RoleDoctor {
		return 0, ErrForbidden
	}
	id, err := s.store.Insert(ctx, rec)
	if err != nil {
		return 0, err
	}
	metrics.RecordsInsertedTotal.Inc()
	return id, nil
}

func (s *RecordService) Get(ctx context.Context, who models.Identity, id int64) (*models.MedicalRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(who, rec.PatientID) {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *RecordService) ByDate(ctx context.Context, who models.Identity, patientID int64, r store.DateRange, limit int) ([]models.MedicalRecord, error) {
	if !canRead(who, patientID) {
		return nil, ErrForbidden
	}
	return s.store.ByPatientAndDate(ctx, patientID, r, limit)
}

func (s *RecordService) ByType(ctx context.Context, who models.Identity, patientID int64, recordType string, limit int) ([]models.MedicalRecord, error) {
	if !canRead(who, patientID) {
		return nil, ErrForbidden
	}
	return s.store.ByPatientAndType(ctx, patientID, recordType, limit)
}

// Recent 跨患者的最近记录，仅医生可见。
func (s *RecordService) Recent(ctx context.Context, who models.Identity, limit int) ([]models.MedicalRecord, error) {
	if who.Role != models.RoleDoctor {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Recent(ctx, limit)
}
