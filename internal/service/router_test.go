package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medconnect/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]models.Message
	order    []int64
	failOn   bool
}

func newMemStore() *memStore { return &memStore{messages: make(map[int64]models.Message)} }

func (s *memStore) CreateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn {
		return errors.New("disk full")
	}
	s.nextID++
	m.ID = s.nextID
	s.messages[m.ID] = *m
	s.order = append(s.order, m.ID)
	return nil
}

func (s *memStore) SetDeliveryState(_ context.Context, id int64, state models.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return errors.New("not found")
	}
	m.DeliveryState = state
	s.messages[id] = m
	return nil
}

func (s *memStore) get(id int64) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

type fakeEndpoint struct {
	mu     sync.Mutex
	events [][]byte
	err    error
	block  bool
}

func (e *fakeEndpoint) Deliver(ctx context.Context, event []byte) error {
	if e.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) received() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]any, 0, len(e.events))
	for _, b := range e.events {
		var env struct {
			Event string `json:"event"`
			Data  struct {
				Message map[string]any `json:"message"`
			} `json:"data"`
		}
		_ = json.Unmarshal(b, &env)
		if env.Event == "receive_message" {
			out = append(out, env.Data.Message)
		}
	}
	return out
}

type fakeLocator map[int64][]Endpoint

func (l fakeLocator) Lookup(userID int64) []Endpoint { return l[userID] }

type fakeUsers map[int64]bool

func (u fakeUsers) Exists(_ context.Context, id int64) (bool, error) { return u[id], nil }

var (
	patient4 = models.Identity{UserID: 4, Role: models.RolePatient}
	doctor2  = models.Identity{UserID: 2, Role: models.RoleDoctor}
)

func TestRoute_NoConnections_Queued(t *testing.T) {
	st := newMemStore()
	r := NewRouter(st, fakeLocator{}, RouterOptions{})

	msg, err := r.Route(context.Background(), patient4, 99, "Hello")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if msg.DeliveryState != models.DeliveryQueued {
		t.Errorf("Route() state = %v, want queued", msg.DeliveryState)
	}
	if msg.ID == 0 {
		t.Error("Route() returned a message without id")
	}
	if got := st.get(msg.ID); got.DeliveryState != models.DeliveryQueued || got.Content != "Hello" {
		t.Errorf("persisted message = %+v", got)
	}
}

func TestRoute_DeliversToEveryConnection(t *testing.T) {
	st := newMemStore()
	phone, laptop := &fakeEndpoint{}, &fakeEndpoint{}
	r := NewRouter(st, fakeLocator{2: {phone, laptop}}, RouterOptions{})

	msg, err := r.Route(context.Background(), patient4, 2, "Hello")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if msg.DeliveryState != models.DeliveryDelivered {
		t.Errorf("Route() state = %v, want delivered", msg.DeliveryState)
	}
	if got := st.get(msg.ID); got.DeliveryState != models.DeliveryDelivered {
		t.Errorf("persisted state = %v, want delivered", got.DeliveryState)
	}
	for name, ep := range map[string]*fakeEndpoint{"phone": phone, "laptop": laptop} {
		got := ep.received()
		if len(got) != 1 {
			t.Fatalf("%s received %d events, want 1", name, len(got))
		}
		if got[0]["content"] != "Hello" || got[0]["delivery_state"] != "delivered" {
			t.Errorf("%s received %+v", name, got[0])
		}
		if got[0]["sender_id"] != float64(4) || got[0]["receiver_id"] != float64(2) {
			t.Errorf("%s received wrong parties: %+v", name, got[0])
		}
	}
}

func TestRoute_PartialDeliveryStillDelivered(t *testing.T) {
	st := newMemStore()
	dead := &fakeEndpoint{err: errors.New("connection closed")}
	live := &fakeEndpoint{}
	r := NewRouter(st, fakeLocator{2: {dead, live}}, RouterOptions{})

	msg, err := r.Route(context.Background(), patient4, 2, "Hello")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if msg.DeliveryState != models.DeliveryDelivered {
		t.Errorf("Route() state = %v, want delivered", msg.DeliveryState)
	}
}

func TestRoute_DeliveryTimeoutFallsBackToQueued(t *testing.T) {
	st := newMemStore()
	stuck := &fakeEndpoint{block: true}
	r := NewRouter(st, fakeLocator{2: {stuck}}, RouterOptions{DeliveryTimeout: 20 * time.Millisecond})

	start := time.Now()
	msg, err := r.Route(context.Background(), patient4, 2, "Hello")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Route() blocked for %v", time.Since(start))
	}
	if msg.DeliveryState != models.DeliveryQueued {
		t.Errorf("Route() state = %v, want queued", msg.DeliveryState)
	}
	if got := st.get(msg.ID); got.DeliveryState != models.DeliveryQueued {
		t.Errorf("persisted state = %v, want queued", got.DeliveryState)
	}
}

func TestRoute_PersistFailure(t *testing.T) {
	st := newMemStore()
	st.failOn = true
	ep := &fakeEndpoint{}
	r := NewRouter(st, fakeLocator{2: {ep}}, RouterOptions{})

	msg, err := r.Route(context.Background(), patient4, 2, "Hello")
	if !errors.Is(err, ErrPersistFailure) {
		t.Fatalf("Route() error = %v, want ErrPersistFailure", err)
	}
	if msg.DeliveryState != models.DeliveryFailed {
		t.Errorf("Route() state = %v, want failed", msg.DeliveryState)
	}
	if len(ep.received()) != 0 {
		t.Error("message was delivered despite persist failure")
	}
}

func TestRoute_Validation(t *testing.T) {
	r := NewRouter(newMemStore(), fakeLocator{}, RouterOptions{MaxContentChars: 10, Users: fakeUsers{2: true, 4: true}})

	tests := []struct {
		name       string
		receiverID int64
		content    string
		wantErr    error
	}{
		{"empty content", 2, "", ErrInvalidContent},
		{"blank content", 2, "   \n", ErrInvalidContent},
		{"too long", 2, strings.Repeat("a", 11), ErrInvalidContent},
		{"zero receiver", 0, "hi", ErrInvalidReceiver},
		{"negative receiver", -3, "hi", ErrInvalidReceiver},
		{"self", 4, "hi", ErrInvalidReceiver},
		{"unknown user", 77, "hi", ErrInvalidReceiver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Route(context.Background(), patient4, tt.receiverID, tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Route() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := r.Route(context.Background(), patient4, 2, strings.Repeat("é", 10)); err != nil {
		t.Errorf("Route() with 10 multi-byte runes error = %v", err)
	}
}

func TestRoute_DoctorToPatient(t *testing.T) {
	ep := &fakeEndpoint{}
	r := NewRouter(newMemStore(), fakeLocator{4: {ep}}, RouterOptions{})
	msg, err := r.Route(context.Background(), doctor2, 4, "Take your medication")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if msg.DeliveryState != models.DeliveryDelivered || len(ep.received()) != 1 {
		t.Errorf("doctor message not delivered: %+v", msg)
	}
}

func TestRoute_PreservesPairOrder(t *testing.T) {
	st := newMemStore()
	ep := &fakeEndpoint{}
	r := NewRouter(st, fakeLocator{2: {ep}}, RouterOptions{})

	// 发送方两台设备并发发送，接收方看到的顺序必须与入库顺序一致。
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Route(context.Background(), patient4, 2, "m"); err != nil {
				t.Errorf("Route() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got := ep.received()
	if len(got) != 50 {
		t.Fatalf("received %d events, want 50", len(got))
	}
	st.mu.Lock()
	order := append([]int64(nil), st.order...)
	st.mu.Unlock()
	for i, m := range got {
		if int64(m["message_id"].(float64)) != order[i] {
			t.Fatalf("event %d has message_id %v, want %d", i, m["message_id"], order[i])
		}
	}
}

func TestPairLocks_Reclaimed(t *testing.T) {
	var p pairLocks
	unlock := p.lock(1, 2)
	unlock()
	if len(p.locks) != 0 {
		t.Errorf("pairLocks retained %d entries after unlock", len(p.locks))
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidReceiver, "invalid_receiver"},
		{ErrInvalidContent, "invalid_content"},
		{ErrPersistFailure, "persist_failure"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		if got := FailureReason(tt.err); got != tt.want {
			t.Errorf("FailureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
