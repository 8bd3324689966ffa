package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"medconnect/internal/models"
	"medconnect/internal/store"
)

type memRecords struct {
	recs        map[int64]models.MedicalRecord
	recentLimit int
}

func (m *memRecords) Insert(_ context.Context, rec *models.MedicalRecord) (int64, error) {
	rec.ID = int64(len(m.recs) + 1)
	m.recs[rec.ID] = *rec
	return rec.ID, nil
}

func (m *memRecords) Get(_ context.Context, id int64) (*models.MedicalRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (m *memRecords) ByPatientAndDate(_ context.Context, pid int64, _ store.DateRange, _ int) ([]models.MedicalRecord, error) {
	return m.byPatient(pid), nil
}

func (m *memRecords) ByPatientAndType(_ context.Context, pid int64, _ string, _ int) ([]models.MedicalRecord, error) {
	return m.byPatient(pid), nil
}

func (m *memRecords) Recent(_ context.Context, limit int) ([]models.MedicalRecord, error) {
	m.recentLimit = limit
	return nil, nil
}

func (m *memRecords) byPatient(pid int64) []models.MedicalRecord {
	var out []models.MedicalRecord
	for _, r := range m.recs {
		if r.PatientID == pid {
			out = append(out, r)
		}
	}
	return out
}

func TestRecordService_Access(t *testing.T) {
	ctx := context.Background()
	st := &memRecords{recs: map[int64]models.MedicalRecord{}}
	svc := NewRecordService(st)
	doc := models.Identity{UserID: 2, Role: models.RoleDoctor}
	own := models.Identity{UserID: 4, Role: models.RolePatient}
	other := models.Identity{UserID: 5, Role: models.RolePatient}

	rec := models.MedicalRecord{PatientID: 4, RecordType: "lab", RecordDate: time.Now()}
	if _, err := svc.Insert(ctx, own, &rec); !errors.Is(err, ErrForbidden) {
		t.Errorf("patient Insert() error = %v, want ErrForbidden", err)
	}
	id, err := svc.Insert(ctx, doc, &rec)
	if err != nil {
		t.Fatalf("doctor Insert() error = %v", err)
	}

	if _, err := svc.Get(ctx, own, id); err != nil {
		t.Errorf("owner Get() error = %v", err)
	}
	if _, err := svc.Get(ctx, doc, id); err != nil {
		t.Errorf("doctor Get() error = %v", err)
	}
	if _, err := svc.Get(ctx, other, id); !errors.Is(err, ErrForbidden) {
		t.Errorf("other patient Get() error = %v, want ErrForbidden", err)
	}
	if _, err := svc.Get(ctx, doc, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if got, err := svc.ByDate(ctx, own, 4, store.DateRange{}, 10); err != nil || len(got) != 1 {
		t.Errorf("owner ByDate() = %d, %v", len(got), err)
	}
	if _, err := svc.ByDate(ctx, other, 4, store.DateRange{}, 10); !errors.Is(err, ErrForbidden) {
		t.Errorf("other patient ByDate() error = %v, want ErrForbidden", err)
	}
	if _, err := svc.ByType(ctx, other, 4, "lab", 10); !errors.Is(err, ErrForbidden) {
		t.Errorf("other patient ByType() error = %v, want ErrForbidden", err)
	}

	if _, err := svc.Recent(ctx, own, 10); !errors.Is(err, ErrForbidden) {
		t.Errorf("patient Recent() error = %v, want ErrForbidden", err)
	}
	if _, err := svc.Recent(ctx, doc, 0); err != nil || st.recentLimit != 50 {
		t.Errorf("doctor Recent(0) limit = %d, err = %v; want default 50", st.recentLimit, err)
	}
}

type memQueries struct {
	limit int
}

func (m *memQueries) ListPending(_ context.Context, _ int64, limit int) ([]models.Message, error) {
	m.limit = limit
	return []models.Message{}, nil
}

func (m *memQueries) MarkDelivered(_ context.Context, _ int64, ids []int64) (int64, error) {
	return int64(len(ids)), nil
}

func (m *memQueries) Conversation(_ context.Context, _, _ int64, _ int, _ int64) ([]models.Message, error) {
	return []models.Message{}, nil
}

func TestMessageService(t *testing.T) {
	ctx := context.Background()
	q := &memQueries{}
	svc := NewMessageService(q)
	who := models.Identity{UserID: 4, Role: models.RolePatient}

	if _, err := svc.History(ctx, who, 0, 10, 0); !errors.Is(err, ErrInvalidReceiver) {
		t.Errorf("History(peer=0) error = %v, want ErrInvalidReceiver", err)
	}
	if _, err := svc.History(ctx, who, 2, 10, 0); err != nil {
		t.Errorf("History() error = %v", err)
	}
	for _, tc := range []struct{ in, want int }{{0, 100}, {500, 100}, {25, 25}} {
		if _, err := svc.Pending(ctx, who, tc.in); err != nil {
			t.Fatal(err)
		}
		if q.limit != tc.want {
			t.Errorf("Pending(limit=%d) used %d, want %d", tc.in, q.limit, tc.want)
		}
	}
}
