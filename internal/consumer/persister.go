package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"unichat-realtime/internal/models"
)

const sendMessagePath = "/message/send-message"

// storedMessage is the message document as the CRUD API returns it.
type storedMessage struct {
	ID        string    `json:"_id"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Course    string    `json:"course,omitempty"`
}

type sendMessageResponse struct {
	Response storedMessage `json:"response"`
}

// apiError is the CRUD service's failure body: {"error": "<reason>"}.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (e apiError) reason() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// HTTPPersister saves messages through the CRUD service's REST API.
type HTTPPersister struct {
	client *resty.Client
}

func NewHTTPPersister(baseURL, token string, timeout time.Duration) *HTTPPersister {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPPersister{client: client}
}

func (p *HTTPPersister) PersistMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	var (
		out    sendMessageResponse
		failed apiError
	)
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&out).
		SetError(&failed).
		Post(sendMessagePath)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("post %s: %w", sendMessagePath, err)
	}
	if resp.IsError() {
		if reason := failed.reason(); reason != "" {
			return models.ChatMessage{}, fmt.Errorf("post %s: %s: %s", sendMessagePath, resp.Status(), reason)
		}
		return models.ChatMessage{}, fmt.Errorf("post %s: %s", sendMessagePath, resp.Status())
	}

	stored := out.Response
	if stored.ID == "" {
		return models.ChatMessage{}, fmt.Errorf("post %s: response carries no message id", sendMessagePath)
	}
	return models.ChatMessage{
		ID:        stored.ID,
		ChatID:    stored.ChatID,
		Sender:    stored.Sender,
		Text:      stored.Text,
		Type:      stored.Type,
		CreatedAt: stored.CreatedAt,
		CourseID:  stored.Course,
	}, nil
}
