package consumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"unichat-realtime/internal/models"
)

// Persister saves a message through the CRUD API and returns the stored copy.
type Persister interface {
	PersistMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
}

// Emitter sends one event over the realtime connection.
type Emitter interface {
	Emit(eventType string, payload interface{}) error
}

// Draft is what the user typed. CourseID marks a group message.
type Draft struct {
	ChatID      string
	RecipientID string
	CourseID    string
	Text        string
	Type        string
}

// Send renders the message as pending, persists it, then swaps in the server
// copy and asks the gateway to fan it out. A persistence failure leaves the
// entry failed until Retry.
func (c *Consumer) Send(ctx context.Context, d Draft) (LocalMessage, error) {
	if strings.TrimSpace(d.Text) == "" {
		return LocalMessage{}, ErrEmptyText
	}
	if d.Type == "" {
		d.Type = "text"
	}

	tempID := uuid.NewString()
	entry := &LocalMessage{
		ChatMessage: models.ChatMessage{
			TempID:      tempID,
			ChatID:      d.ChatID,
			Sender:      c.self,
			RecipientID: d.RecipientID,
			Text:        d.Text,
			Type:        d.Type,
			CreatedAt:   time.Now(),
			CourseID:    d.CourseID,
		},
		Status: StatusPending,
	}

	c.mu.Lock()
	c.outbox[tempID] = entry
	if d.ChatID == c.activeChat {
		c.messages = append(c.messages, entry)
	}
	c.mu.Unlock()
	c.notifyStatus(entry)

	return c.deliver(ctx, tempID)
}

// Retry re-issues the persist and notify sequence for a failed message.
func (c *Consumer) Retry(ctx context.Context, tempID string) (LocalMessage, error) {
	c.mu.Lock()
	entry, ok := c.outbox[tempID]
	if !ok {
		c.mu.Unlock()
		return LocalMessage{}, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	if entry.Status != StatusFailed {
		status := entry.Status
		c.mu.Unlock()
		return LocalMessage{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, tempID, status)
	}
	entry.Status = StatusPending
	entry.Err = nil
	c.mu.Unlock()
	c.notifyStatus(entry)

	return c.deliver(ctx, tempID)
}

// Failed lists the messages waiting for a manual retry.
func (c *Consumer) Failed() []LocalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LocalMessage
	for _, entry := range c.outbox {
		if entry.Status == StatusFailed {
			out = append(out, *entry)
		}
	}
	return out
}

func (c *Consumer) deliver(ctx context.Context, tempID string) (LocalMessage, error) {
	c.mu.Lock()
	entry := c.outbox[tempID]
	draft := entry.ChatMessage
	c.mu.Unlock()

	saved, err := c.persister.PersistMessage(ctx, draft)
	if err != nil {
		c.mu.Lock()
		entry.Status = StatusFailed
		entry.Err = err
		snapshot := *entry
		c.mu.Unlock()

		c.logger.Warn("[CONSUMER] Message persistence failed", "chat", draft.ChatID, "temp_id", tempID, "error", err)
		c.notifyStatus(&snapshot)
		return snapshot, fmt.Errorf("persist message: %w", err)
	}

	// Keep the correlation id and routing fields the API does not echo.
	saved.TempID = tempID
	if saved.RecipientID == "" {
		saved.RecipientID = draft.RecipientID
	}
	if saved.CourseID == "" {
		saved.CourseID = draft.CourseID
	}
	if saved.Sender == "" {
		saved.Sender = draft.Sender
	}

	c.mu.Lock()
	entry.ChatMessage = saved
	entry.Status = StatusSent
	entry.Err = nil
	delete(c.outbox, tempID)
	emitter := c.emitter
	snapshot := *entry
	c.mu.Unlock()
	c.notifyStatus(&snapshot)

	// The message is durable now; a failed emit only costs the realtime copy.
	if emitter == nil {
		c.logger.Warn("[CONSUMER] Not connected, skipping realtime fanout", "chat", saved.ChatID)
		return snapshot, nil
	}
	eventType := models.EventSendMessage
	if saved.Room() != "" {
		eventType = models.EventSendGroupMessage
	}
	if err := emitter.Emit(eventType, saved); err != nil {
		c.logger.Warn("[CONSUMER] Realtime fanout failed", "chat", saved.ChatID, "event", eventType, "error", err)
	}
	return snapshot, nil
}

func (c *Consumer) notifyStatus(entry *LocalMessage) {
	if c.hooks.OnMessageStatus != nil {
		c.hooks.OnMessageStatus(*entry)
	}
}
