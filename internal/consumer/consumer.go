package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"unichat-realtime/internal/models"
)

var (
	ErrUnknownMessage = errors.New("no outbox entry for temp id")
	ErrNotRetryable   = errors.New("message is not in failed state")
	ErrEmptyText      = errors.New("message text is empty")
)

// Status is the client-local delivery state of an outgoing message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// LocalMessage is one entry of the active chat's message list.
type LocalMessage struct {
	models.ChatMessage
	Status Status
	Err    error
}

// NotificationStore persists notifications across restarts.
type NotificationStore interface {
	Add(ctx context.Context, n models.Notification) error
	MarkChatRead(ctx context.Context, chatID string) (int64, error)
}

// Hooks are optional UI callbacks. They run synchronously on the goroutine
// that delivered the event and must not call back into the Consumer.
type Hooks struct {
	OnMessage       func(LocalMessage)
	OnNotification  func(models.Notification)
	OnIncomingCall  func(models.CallSignal)
	OnCallEnded     func(models.CallSignal)
	OnOnlineUsers   func([]models.OnlineUser)
	OnChatsChanged  func(json.RawMessage)
	OnMessageStatus func(LocalMessage)
}

// Consumer reconciles gateway events against local chat state and drives
// optimistic sends.
type Consumer struct {
	self      string
	store     NotificationStore
	persister Persister
	emitter   Emitter
	hooks     Hooks
	logger    *slog.Logger

	mu         sync.Mutex
	activeChat string
	messages   []*LocalMessage
	outbox     map[string]*LocalMessage
	online     []models.OnlineUser
	ringing    map[string]models.CallSignal
}

type Config struct {
	UserID    string
	Store     NotificationStore
	Persister Persister
	Emitter   Emitter
	Hooks     Hooks
	Logger    *slog.Logger
}

func New(cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		self:      cfg.UserID,
		store:     cfg.Store,
		persister: cfg.Persister,
		emitter:   cfg.Emitter,
		hooks:     cfg.Hooks,
		logger:    logger.With("component", "consumer", "user", cfg.UserID),
		outbox:    make(map[string]*LocalMessage),
		ringing:   make(map[string]models.CallSignal),
	}
}

// SetEmitter attaches the realtime transport once it is connected.
func (c *Consumer) SetEmitter(e Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitter = e
}

// SetActiveChat switches the open conversation, seeds it with history
// fetched from the CRUD API and marks its notifications read.
func (c *Consumer) SetActiveChat(ctx context.Context, chatID string, history []models.ChatMessage) error {
	c.mu.Lock()
	c.activeChat = chatID
	c.messages = nil
	for _, m := range history {
		c.messages = append(c.messages, &LocalMessage{ChatMessage: m, Status: StatusSent})
	}
	// Unsent entries of this chat stay visible.
	var unsent []*LocalMessage
	for _, entry := range c.outbox {
		if entry.ChatID == chatID {
			unsent = append(unsent, entry)
		}
	}
	sort.Slice(unsent, func(i, j int) bool { return unsent[i].CreatedAt.Before(unsent[j].CreatedAt) })
	c.messages = append(c.messages, unsent...)
	c.mu.Unlock()

	if c.store == nil || chatID == "" {
		return nil
	}
	if _, err := c.store.MarkChatRead(ctx, chatID); err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	return nil
}

func (c *Consumer) ActiveChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeChat
}

// Messages returns a copy of the active chat's message list.
func (c *Consumer) Messages() []LocalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LocalMessage, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

func (c *Consumer) OnlineUsers() []models.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.OnlineUser(nil), c.online...)
}

func (c *Consumer) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.online {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// Ringing reports the incoming call for chatID, if any.
func (c *Consumer) Ringing(chatID string) (models.CallSignal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sig, ok := c.ringing[chatID]
	return sig, ok
}

// Handle applies one gateway event to local state.
func (c *Consumer) Handle(ctx context.Context, env models.Envelope) error {
	switch env.Type {
	case models.EventGetMessage:
		return c.handleMessage(env, false)
	case models.EventGetGroupMessage:
		return c.handleMessage(env, true)
	case models.EventGetNotifications, models.EventGetGroupNotifications:
		return c.handleNotification(ctx, env)
	case models.EventCalling, models.EventCallingGroup:
		return c.handleCalling(env)
	case models.EventEnding, models.EventEndingGroup:
		return c.handleEnding(env)
	case models.EventGetOnlineUsers:
		return c.handleOnlineUsers(env)
	case models.EventNewChat:
		if c.hooks.OnChatsChanged != nil {
			c.hooks.OnChatsChanged(env.Data)
		}
		return nil
	default:
		c.logger.Debug("[CONSUMER] Ignoring event", "event", env.Type)
		return nil
	}
}

func (c *Consumer) handleMessage(env models.Envelope, group bool) error {
	var msg models.ChatMessage
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	// Group fanout includes our own connections.
	if group && msg.Sender == c.self {
		return nil
	}

	c.mu.Lock()
	if msg.ChatID != c.activeChat {
		c.mu.Unlock()
		return nil
	}
	entry, added := c.reconcileLocked(msg)
	c.mu.Unlock()

	if added && c.hooks.OnMessage != nil {
		c.hooks.OnMessage(*entry)
	}
	return nil
}

// reconcileLocked merges a server copy into the message list. A message
// matching a local entry by temp id or server id replaces it instead of
// being appended.
func (c *Consumer) reconcileLocked(msg models.ChatMessage) (*LocalMessage, bool) {
	for _, m := range c.messages {
		if (msg.TempID != "" && m.TempID == msg.TempID) || (msg.ID != "" && m.ID == msg.ID) {
			m.ChatMessage = msg
			m.Status = StatusSent
			m.Err = nil
			return m, false
		}
	}
	entry := &LocalMessage{ChatMessage: msg, Status: StatusSent}
	c.messages = append(c.messages, entry)
	return entry, true
}

func (c *Consumer) handleNotification(ctx context.Context, env models.Envelope) error {
	var n models.Notification
	if err := env.Decode(&n); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if n.Sender == c.self {
		return nil
	}

	c.mu.Lock()
	n.IsRead = n.ChatID == c.activeChat
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Add(ctx, n); err != nil {
			c.logger.Error("[CONSUMER] Failed to store notification", "chat", n.ChatID, "error", err)
		}
	}
	if c.hooks.OnNotification != nil {
		c.hooks.OnNotification(n)
	}
	return nil
}

func (c *Consumer) handleCalling(env models.Envelope) error {
	var sig models.CallSignal
	if err := env.Decode(&sig); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if sig.CallerID == c.self {
		return nil
	}

	c.mu.Lock()
	if _, ok := c.ringing[sig.ChatID]; ok {
		c.mu.Unlock()
		c.logger.Debug("[CONSUMER] Duplicate call invite", "chat", sig.ChatID, "caller", sig.CallerID)
		return nil
	}
	c.ringing[sig.ChatID] = sig
	c.mu.Unlock()

	if c.hooks.OnIncomingCall != nil {
		c.hooks.OnIncomingCall(sig)
	}
	return nil
}

func (c *Consumer) handleEnding(env models.Envelope) error {
	var sig models.CallSignal
	if err := env.Decode(&sig); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if sig.CallerID == c.self {
		return nil
	}

	c.mu.Lock()
	delete(c.ringing, sig.ChatID)
	c.mu.Unlock()

	if c.hooks.OnCallEnded != nil {
		c.hooks.OnCallEnded(sig)
	}
	return nil
}

func (c *Consumer) handleOnlineUsers(env models.Envelope) error {
	var users []models.OnlineUser
	if err := env.Decode(&users); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}

	c.mu.Lock()
	c.online = users
	c.mu.Unlock()

	if c.hooks.OnOnlineUsers != nil {
		c.hooks.OnOnlineUsers(users)
	}
	return nil
}
