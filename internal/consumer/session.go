package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"unichat-realtime/internal/models"
)

const writeWait = 10 * time.Second

// Session is a client connection to the realtime gateway.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

// Dial opens the gateway connection. The token travels in the Authorization
// header; url may also carry ?userId= for gateways that accept it.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Session{conn: conn, logger: logger.With("component", "session")}, nil
}

// Emit sends one event frame. Safe for concurrent use.
func (s *Session) Emit(eventType string, payload interface{}) error {
	frame, err := models.Encode(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Listen feeds every inbound frame to c until ctx is done or the connection
// drops. A clean shutdown returns nil.
func (s *Session) Listen(ctx context.Context, c *Consumer) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-stop:
		}
	}()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		env, err := models.DecodeEnvelope(frame)
		if err != nil {
			s.logger.Warn("[SESSION] Dropping unreadable frame", "error", err)
			continue
		}
		if err := c.Handle(ctx, env); err != nil {
			s.logger.Warn("[SESSION] Event rejected", "event", env.Type, "error", err)
		}
	}
}

func (s *Session) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return s.conn.Close()
}
