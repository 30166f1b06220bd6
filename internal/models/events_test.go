package models

import (
	"errors"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
		wantErr  error
	}{
		{"canonical", `{"type":"sendMessage","data":{"chatId":"C1"}}`, EventSendMessage, nil},
		{"hyphen alias", `{"type":"send-group-message","data":{}}`, EventSendGroupMessage, nil},
		{"call alias", `{"type":"end-call-direct","data":{}}`, EventEndCallDirect, nil},
		{"unknown kept", `{"type":"typing"}`, "typing", nil},
		{"empty", ``, "", ErrEmptyFrame},
		{"no type", `{"data":{}}`, "", ErrMissingType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Type != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, env.Type)
			}
		})
	}

	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("expected a syntax error")
	}
}

func TestEnvelopeDecode_EmptyData(t *testing.T) {
	var msg ChatMessage
	if err := (Envelope{Type: EventSendMessage}).Decode(&msg); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestEncode(t *testing.T) {
	frame, err := Encode(EventCalling, CallSignal{ChatID: "C1", CallerID: "alice", CallType: CallTypeVoice})
	if err != nil {
		t.Fatal(err)
	}
	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatal(err)
	}
	var sig CallSignal
	if err := env.Decode(&sig); err != nil {
		t.Fatal(err)
	}
	if env.Type != EventCalling || sig.CallerID != "alice" || sig.CallType != "voice" {
		t.Errorf("unexpected frame %s", frame)
	}
}

func TestRoom(t *testing.T) {
	if got := (ChatMessage{CourseID: "CS101"}).Room(); got != "CS101" {
		t.Errorf("expected courseId, got %q", got)
	}
	if got := (ChatMessage{CourseID: "CS101", RoomID: "R9"}).Room(); got != "R9" {
		t.Errorf("roomId should win, got %q", got)
	}
	if got := (CallSignal{}).Room(); got != "" {
		t.Errorf("expected no room, got %q", got)
	}
}

func TestValidCallAction(t *testing.T) {
	for _, a := range []string{"left", "cancelled", "declined"} {
		if !ValidCallAction(a) {
			t.Errorf("%s should be valid", a)
		}
	}
	if ValidCallAction("hangup") || ValidCallAction("") {
		t.Error("unexpected action accepted")
	}
}
