package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"unichat-realtime/internal/config"
	"unichat-realtime/internal/consumer"
	"unichat-realtime/internal/models"
)

const usage = `commands:
  /chat <chatId> <recipientId>   open a direct chat
  /group <chatId> <courseId>     open a group chat
  /retry <tempId>                resend a failed message
  /call voice|video              ring the open chat
  /end left|cancelled|declined   end the call in the open chat
  /online                        list online users
  /notifications                 list stored notifications
  /quit
anything else is sent to the open chat`

// conversation addresses the open chat: a direct recipient or a course room.
type conversation struct {
	recipientID string
	courseID    string
}

type cli struct {
	self     string
	consumer *consumer.Consumer
	session  *consumer.Session
	store    *consumer.SQLiteStore

	outMu sync.Mutex
	open  conversation
}

func (c *cli) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Printf(format+"\n", args...)
}

func main() {
	var (
		gateway  = flag.String("gateway", "ws://localhost:8080/ws", "realtime gateway websocket URL")
		api      = flag.String("api", "http://localhost:3000/api", "CRUD API base URL")
		token    = flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token (defaults to $CHAT_TOKEN)")
		userID   = flag.String("user", os.Getenv("CHAT_USER"), "own user id (defaults to $CHAT_USER)")
		dbPath   = flag.String("db", "notifications.db", "notification database path")
		logLevel = flag.String("log-level", "warn", "debug, info, warn or error")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(*logLevel)}))
	slog.SetDefault(logger)

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := consumer.OpenSQLiteStore(*dbPath)
	if err != nil {
		logger.Error("Failed to open notification store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	app := &cli{self: *userID, store: store}
	app.consumer = consumer.New(consumer.Config{
		UserID:    *userID,
		Store:     store,
		Persister: consumer.NewHTTPPersister(*api, *token, 10*time.Second),
		Hooks:     app.hooks(),
		Logger:    logger,
	})

	url := *gateway
	if *token == "" {
		url += "?userId=" + *userID
	}
	session, err := consumer.Dial(ctx, url, *token, logger)
	if err != nil {
		logger.Error("Failed to connect to gateway", "error", err)
		os.Exit(1)
	}
	defer session.Close()
	app.session = session
	app.consumer.SetEmitter(session)

	go func() {
		if err := session.Listen(ctx, app.consumer); err != nil {
			logger.Error("Connection lost", "error", err)
		}
		cancel()
	}()

	app.printf("connected as %s\n%s", *userID, usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := app.handleLine(ctx, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func (c *cli) hooks() consumer.Hooks {
	return consumer.Hooks{
		OnMessage: func(m consumer.LocalMessage) {
			c.printf("[%s] %s: %s", m.ChatID, m.Sender, m.Text)
		},
		OnNotification: func(n models.Notification) {
			if !n.IsRead {
				c.printf("(new message in %s from %s: %s)", n.ChatID, n.Sender, n.Message)
			}
		},
		OnIncomingCall: func(s models.CallSignal) {
			c.printf("(incoming %s call from %s in %s)", s.CallType, s.CallerID, s.ChatID)
		},
		OnCallEnded: func(s models.CallSignal) {
			c.printf("(call in %s ended: %s)", s.ChatID, s.Action)
		},
		OnChatsChanged: func(raw json.RawMessage) {
			c.printf("(chat list changed: %s)", raw)
		},
		OnMessageStatus: func(m consumer.LocalMessage) {
			if m.Status == consumer.StatusFailed {
				c.printf("(message %s failed: %v; /retry %s)", m.TempID, m.Err, m.TempID)
			}
		},
	}
}

func (c *cli) handleLine(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/chat":
		if len(fields) != 3 {
			c.printf("usage: /chat <chatId> <recipientId>")
			return false
		}
		c.openChat(ctx, fields[1], conversation{recipientID: fields[2]})
	case "/group":
		if len(fields) != 3 {
			c.printf("usage: /group <chatId> <courseId>")
			return false
		}
		c.openChat(ctx, fields[1], conversation{courseID: fields[2]})
	case "/retry":
		if len(fields) != 2 {
			c.printf("usage: /retry <tempId>")
			return false
		}
		if _, err := c.consumer.Retry(ctx, fields[1]); err != nil {
			c.printf("retry failed: %v", err)
		}
	case "/call":
		callType := models.CallTypeVoice
		if len(fields) > 1 {
			callType = fields[1]
		}
		c.call(callType)
	case "/end":
		action := models.CallActionLeft
		if len(fields) > 1 {
			action = fields[1]
		}
		c.endCall(action)
	case "/online":
		for _, u := range c.consumer.OnlineUsers() {
			c.printf("  %s", u.UserID)
		}
	case "/notifications":
		c.listNotifications(ctx)
	default:
		c.printf("%s", usage)
	}
	return false
}

func (c *cli) openChat(ctx context.Context, chatID string, conv conversation) {
	c.open = conv
	if err := c.consumer.SetActiveChat(ctx, chatID, nil); err != nil {
		c.printf("open chat: %v", err)
		return
	}
	for _, m := range c.consumer.Messages() {
		c.printf("[%s] %s: %s (%s)", m.ChatID, m.Sender, m.Text, m.Status)
	}
	c.printf("now chatting in %s", c.consumer.ActiveChat())
}

func (c *cli) send(ctx context.Context, text string) {
	chatID := c.consumer.ActiveChat()
	if chatID == "" {
		c.printf("open a chat first")
		return
	}
	_, err := c.consumer.Send(ctx, consumer.Draft{
		ChatID:      chatID,
		RecipientID: c.open.recipientID,
		CourseID:    c.open.courseID,
		Text:        text,
	})
	if err != nil {
		slog.Debug("Send failed", "error", err)
	}
}

func (c *cli) call(callType string) {
	chatID := c.consumer.ActiveChat()
	if chatID == "" {
		c.printf("open a chat first")
		return
	}
	sig := models.CallSignal{ChatID: chatID, CallerID: c.self, CallType: callType}
	event := models.EventStartCallDirect
	if c.open.courseID != "" {
		sig.CourseID = c.open.courseID
		event = models.EventStartCallGroup
	} else {
		sig.Receiver = c.open.recipientID
	}
	if err := c.session.Emit(event, sig); err != nil {
		c.printf("call failed: %v", err)
	}
}

func (c *cli) endCall(action string) {
	chatID := c.consumer.ActiveChat()
	if chatID == "" {
		c.printf("open a chat first")
		return
	}
	sig := models.CallSignal{ChatID: chatID, CallerID: c.self, Action: action}
	event := models.EventEndCallDirect
	if c.open.courseID != "" {
		sig.CourseID = c.open.courseID
		event = models.EventEndCallGroup
	} else {
		sig.Receiver = c.open.recipientID
	}
	if err := c.session.Emit(event, sig); err != nil {
		c.printf("end call failed: %v", err)
	}
}

func (c *cli) listNotifications(ctx context.Context) {
	list, err := c.store.List(ctx)
	if err != nil {
		c.printf("notifications: %v", err)
		return
	}
	unread, _ := c.store.Unread(ctx)
	c.printf("%d unread", unread)
	for _, n := range list {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		c.printf("%s %s %s: %s", mark, n.Date.Local().Format("Jan 2 15:04"), n.Sender, n.Message)
	}
}
