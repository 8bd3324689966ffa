package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"medconnect/internal/models"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Inbound
		wantErr bool
	}{
		{"send message", `{"event":"send_message","data":{"receiver_id":2,"message_content":"Hello"}}`, SendMessage{ReceiverID: 2, MessageContent: "Hello"}, false},
		{"fetch pending", `{"event":"fetch_pending","data":{"limit":10}}`, FetchPending{Limit: 10}, false},
		{"fetch pending without data", `{"event":"fetch_pending"}`, FetchPending{}, false},
		{"unknown event", `{"event":"typing","data":{}}`, nil, true},
		{"server event from client", `{"event":"receive_message","data":{}}`, nil, true},
		{"not json", `hello`, nil, true},
		{"bad data", `{"event":"send_message","data":{"receiver_id":"two"}}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeInbound() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DecodeInbound() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeInbound_UnknownEventSentinel(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"event":"typing"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("DecodeInbound() error = %v, want ErrUnknownEvent", err)
	}
}

func TestEncode_ReceiveMessage(t *testing.T) {
	msg := models.Message{
		ID:            7,
		SenderID:      4,
		ReceiverID:    2,
		Content:       "Hello",
		SentAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		DeliveryState: models.DeliveryDelivered,
	}
	b, err := Encode(ReceiveMessage{Message: msg})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var env struct {
		Event string `json:"event"`
		Data  struct {
			Message map[string]any `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != "receive_message" {
		t.Errorf("event = %q, want receive_message", env.Event)
	}
	if env.Data.Message["content"] != "Hello" {
		t.Errorf("content = %v, want Hello", env.Data.Message["content"])
	}
	if env.Data.Message["delivery_state"] != "delivered" {
		t.Errorf("delivery_state = %v, want delivered", env.Data.Message["delivery_state"])
	}
	if env.Data.Message["message_id"] != float64(7) {
		t.Errorf("message_id = %v, want 7", env.Data.Message["message_id"])
	}
}

func TestEncode_Connected(t *testing.T) {
	b, err := Encode(Connected{UserID: 4, Role: models.RolePatient})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"event":"connected","data":{"user_id":4,"role":"patient"}}`
	if string(b) != want {
		t.Errorf("Encode() = %s, want %s", b, want)
	}
}
