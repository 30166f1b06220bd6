package router

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"unichat-realtime/internal/models"
	"unichat-realtime/internal/presence"
	"unichat-realtime/internal/rooms"
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidField  = errors.New("invalid field value")
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrNoSenderIdent = errors.New("sender has no identity")
)

type handlerFunc func(sender presence.Conn, env models.Envelope) error

// Router dispatches inbound client events to the recipient connection or
// room. Persistence has already happened in the CRUD layer by the time an
// event reaches it; the router never writes to a store.
type Router struct {
	registry *presence.Registry
	rooms    *rooms.Index
	now      func() time.Time
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

func New(registry *presence.Registry, index *rooms.Index, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry: registry,
		rooms:    index,
		now:      time.Now,
		logger:   logger.With("component", "router"),
	}
	r.handlers = map[string]handlerFunc{
		models.EventSendMessage:      r.handleSendMessage,
		models.EventSendGroupMessage: r.handleSendGroupMessage,
		models.EventNewDirectChat:    r.handleNewDirectChat,
		models.EventStartCallDirect:  r.handleStartCallDirect,
		models.EventEndCallDirect:    r.handleEndCallDirect,
		models.EventStartCallGroup:   r.handleStartCallGroup,
		models.EventEndCallGroup:     r.handleEndCallGroup,
	}
	return r
}

// WithClock overrides the clock used to stamp notifications and messages
// that arrive without createdAt.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Route handles one inbound event. Bad events are logged and dropped; nothing
// is returned to the caller and a panic in a handler is contained here.
func (r *Router) Route(sender presence.Conn, env models.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("[ROUTER] Recovered from panic while routing", "event", env.Type, "panic", rec)
		}
	}()

	if err := r.route(sender, env); err != nil {
		user := ""
		if sender != nil {
			user = sender.UserID()
		}
		r.logger.Warn("[ROUTER] Dropped event", "event", env.Type, "user", user, "error", err)
	}
}

func (r *Router) route(sender presence.Conn, env models.Envelope) error {
	if sender == nil || sender.UserID() == "" {
		return ErrNoSenderIdent
	}
	handle, ok := r.handlers[models.CanonicalType(env.Type)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return handle(sender, env)
}

func (r *Router) handleSendMessage(sender presence.Conn, env models.Envelope) error {
	var msg models.ChatMessage
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if msg.ChatID == "" {
		return fmt.Errorf("%w: chatId", ErrMissingField)
	}
	if msg.RecipientID == "" {
		return fmt.Errorf("%w: recipientId", ErrMissingField)
	}
	msg.Sender = sender.UserID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}

	recipient, ok := r.registry.Lookup(msg.RecipientID)
	if !ok {
		r.logger.Debug("[ROUTER] Recipient offline", "recipient", msg.RecipientID, "chat", msg.ChatID)
		return nil
	}

	r.emit(recipient, models.EventGetMessage, msg)
	r.emit(recipient, models.EventGetNotifications, models.Notification{
		Sender:  msg.Sender,
		ChatID:  msg.ChatID,
		Message: msg.Text,
		IsRead:  false,
		Date:    r.now(),
	})
	return nil
}

func (r *Router) handleSendGroupMessage(sender presence.Conn, env models.Envelope) error {
	var msg models.ChatMessage
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("decode group message: %w", err)
	}
	room := msg.Room()
	if room == "" {
		return fmt.Errorf("%w: courseId", ErrMissingField)
	}
	if msg.ChatID == "" {
		return fmt.Errorf("%w: chatId", ErrMissingField)
	}
	msg.Sender = sender.UserID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}

	// The whole room receives the message, the sender's own connections
	// included; clients skip their own messages by sender identity.
	delivered := r.emitRoom(room, "", models.EventGetGroupMessage, msg)
	r.emitRoom(room, "", models.EventGetGroupNotifications, models.Notification{
		Sender:   msg.Sender,
		ChatID:   msg.ChatID,
		CourseID: room,
		Message:  msg.Text,
		IsRead:   false,
		Date:     r.now(),
	})

	r.logger.Debug("[ROUTER] Group message fanned out", "room", room, "chat", msg.ChatID, "delivered", delivered)
	return nil
}

func (r *Router) handleNewDirectChat(sender presence.Conn, env models.Envelope) error {
	var chat models.NewChat
	if err := env.Decode(&chat); err != nil {
		return fmt.Errorf("decode new chat: %w", err)
	}
	if chat.RecipientID == "" {
		return fmt.Errorf("%w: recipientId", ErrMissingField)
	}

	recipient, ok := r.registry.Lookup(chat.RecipientID)
	if !ok {
		r.logger.Debug("[ROUTER] New chat recipient offline", "recipient", chat.RecipientID)
		return nil
	}

	// Every field the CRUD layer returned is passed through; only senderId
	// is pinned to the connection's identity.
	var fields map[string]json.RawMessage
	if err := env.Decode(&fields); err != nil {
		return fmt.Errorf("decode new chat: %w", err)
	}
	senderID, err := json.Marshal(sender.UserID())
	if err != nil {
		return fmt.Errorf("encode senderId: %w", err)
	}
	fields["senderId"] = senderID

	r.emit(recipient, models.EventNewChat, fields)
	return nil
}

func (r *Router) emit(conn presence.Conn, eventType string, payload interface{}) bool {
	frame, err := models.Encode(eventType, payload)
	if err != nil {
		r.logger.Error("[ROUTER] Failed to encode event", "event", eventType, "error", err)
		return false
	}
	return r.send(conn, eventType, frame)
}

// emitRoom sends one frame to every connection joined to room, skipping the
// connection with id skipConn when it is set.
func (r *Router) emitRoom(room, skipConn, eventType string, payload interface{}) int {
	frame, err := models.Encode(eventType, payload)
	if err != nil {
		r.logger.Error("[ROUTER] Failed to encode event", "event", eventType, "room", room, "error", err)
		return 0
	}

	sent := 0
	for _, conn := range r.rooms.Members(room) {
		if skipConn != "" && conn.ID() == skipConn {
			continue
		}
		if r.send(conn, eventType, frame) {
			sent++
		}
	}
	return sent
}

func (r *Router) send(conn presence.Conn, eventType string, frame []byte) bool {
	if err := conn.Send(frame); err != nil {
		r.logger.Warn("[ROUTER] Delivery failed", "event", eventType, "user", conn.UserID(), "conn", conn.ID(), "error", err)
		return false
	}
	return true
}
