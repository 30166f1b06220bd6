package models

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Inbound event types sent by clients.
const (
	EventSendMessage      = "sendMessage"
	EventSendGroupMessage = "sendGroupMessage"
	EventNewDirectChat    = "new-direct-chat"
	EventStartCallDirect  = "start_call_direct"
	EventEndCallDirect    = "end_call_direct"
	EventStartCallGroup   = "start_call_group"
	EventEndCallGroup     = "end_call_group"
)

// Outbound event types emitted by the gateway.
const (
	EventGetMessage            = "getMessage"
	EventGetGroupMessage       = "getGroupMessage"
	EventGetNotifications      = "getNotifications"
	EventGetGroupNotifications = "getGroupNotifications"
	EventNewChat               = "newChat"
	EventGetOnlineUsers        = "getOnlineUsers"
	EventCalling               = "calling"
	EventEnding                = "ending"
	EventCallingGroup          = "calling_group"
	EventEndingGroup           = "ending_group"
)

var inboundAliases = map[string]string{
	"send-message":       EventSendMessage,
	"send-group-message": EventSendGroupMessage,
	"start-call-direct":  EventStartCallDirect,
	"end-call-direct":    EventEndCallDirect,
	"start-call-group":   EventStartCallGroup,
	"end-call-group":     EventEndCallGroup,
}

// CanonicalType maps the hyphenated event names onto the wire names.
func CanonicalType(t string) string {
	if c, ok := inboundAliases[t]; ok {
		return c
	}
	return t
}

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingType = errors.New("frame has no type")
)

// Envelope is the frame shape in both directions: {"type": "...", "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, ErrEmptyFrame
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, ErrMissingType
	}
	env.Type = CanonicalType(env.Type)
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrEmptyFrame
	}
	return json.Unmarshal(e.Data, v)
}

func Encode(eventType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

// ChatMessage is a persisted message relayed to a direct recipient or a room.
type ChatMessage struct {
	ID          string    `json:"_id,omitempty"`
	TempID      string    `json:"tempId,omitempty"`
	ChatID      string    `json:"chatId"`
	Sender      string    `json:"sender"`
	RecipientID string    `json:"recipientId,omitempty"`
	Text        string    `json:"text"`
	Type        string    `json:"type,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CourseID    string    `json:"courseId,omitempty"`
	RoomID      string    `json:"roomId,omitempty"`
}

// Room returns the fanout label of a group message. Clients address group
// traffic by courseId; roomId is accepted as well.
func (m ChatMessage) Room() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return m.CourseID
}

type Notification struct {
	Sender   string    `json:"sender"`
	ChatID   string    `json:"chatId"`
	CourseID string    `json:"courseId,omitempty"`
	Message  string    `json:"message"`
	IsRead   bool      `json:"isRead"`
	Date     time.Time `json:"date"`
}

// NewChat announces a freshly created direct chat to its other member.
type NewChat struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	ChatID      string `json:"chatId,omitempty"`
}

const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

// End-of-call reasons.
const (
	CallActionLeft      = "left"
	CallActionCancelled = "cancelled"
	CallActionDeclined  = "declined"
)

func ValidCallAction(action string) bool {
	switch action {
	case CallActionLeft, CallActionCancelled, CallActionDeclined:
		return true
	}
	return false
}

type CallSignal struct {
	ChatID   string `json:"chatId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	CourseID string `json:"courseId,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	Action   string `json:"action,omitempty"`
}

func (s CallSignal) Room() string {
	if s.RoomID != "" {
		return s.RoomID
	}
	return s.CourseID
}

// OnlineUser is one entry of the presence snapshot.
type OnlineUser struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

// MembershipChange is published by the CRUD layer whenever a user's course
// enrollment or group membership mutates.
type MembershipChange struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId,omitempty"`
	Reason string `json:"reason,omitempty"`
}
