package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"unichat-realtime/internal/models"
	"unichat-realtime/internal/presence"
	"unichat-realtime/internal/rooms"
	"unichat-realtime/internal/router"
)

type queryIdentifier struct{}

func (queryIdentifier) Identify(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("userId"); id != "" {
		return id, nil
	}
	return "", errors.New("no identity")
}

type staticSource struct {
	mu       sync.Mutex
	courses  map[string][]string
	groups   map[string][]string
	groupErr error
}

func (s *staticSource) CourseIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.courses[userID], nil
}

func (s *staticSource) GroupChatRooms(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupErr != nil {
		return nil, s.groupErr
	}
	return s.groups[userID], nil
}

func (s *staticSource) failGroups(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupErr = err
}

func (s *staticSource) setCourses(userID string, courses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[userID] = courses
}

type testEnv struct {
	hub    *Hub
	source *staticSource
	server *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	source := &staticSource{courses: map[string][]string{}, groups: map[string][]string{}}
	registry := presence.NewRegistry(logger)
	index := rooms.NewIndex(logger)
	resolver := rooms.NewResolver(source, logger)
	hub := NewHub(registry, index, resolver, router.New(registry, index, logger), opts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, queryIdentifier{}, w, r)
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &testEnv{hub: hub, source: source, server: server}
}

// connect dials as userID and waits until the hub has registered the
// connection, which is observable as a presence snapshot listing the user.
func (e *testEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	waitOnline(t, conn, userID, true)
	return conn
}

// attachIdle registers a connection for userID whose write pump never runs,
// so nothing drains its send buffer.
func (e *testEnv) attachIdle(t *testing.T, userID string, buffer int, joined ...string) (*Client, *websocket.Conn) {
	t.Helper()
	registered := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := e.hub.upgrader().Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := newClient(e.hub, conn, userID)
		client.send = make(chan []byte, buffer)
		if err := e.hub.Register(context.Background(), client, rooms.Resolution{Rooms: joined}); err != nil {
			conn.Close()
			return
		}
		registered <- client
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case client := <-registered:
		return client, conn
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never registered", userID)
		return nil, nil
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		env, err := models.DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		if env.Type == eventType {
			return env
		}
	}
}

func waitOnline(t *testing.T, conn *websocket.Conn, userID string, online bool) []models.OnlineUser {
	t.Helper()
	for {
		env := readUntil(t, conn, models.EventGetOnlineUsers)
		var users []models.OnlineUser
		if err := env.Decode(&users); err != nil {
			t.Fatalf("decode online users: %v", err)
		}
		found := false
		for _, u := range users {
			if u.UserID == userID {
				found = true
			}
		}
		if found == online {
			return users
		}
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn, eventType string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, _ := models.DecodeEnvelope(frame)
		if env.Type == eventType {
			t.Fatalf("unexpected %s frame: %s", eventType, frame)
		}
	}
}

func emit(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	frame, err := models.Encode(eventType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHub_DirectMessageEndToEnd(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	emit(t, alice, models.EventSendMessage, models.ChatMessage{ChatID: "C123", RecipientID: "bob", Text: "hi"})

	var msg models.ChatMessage
	if err := readUntil(t, bob, models.EventGetMessage).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.ChatID != "C123" || msg.Text != "hi" || msg.Sender != "alice" {
		t.Errorf("unexpected message %+v", msg)
	}

	var note models.Notification
	if err := readUntil(t, bob, models.EventGetNotifications).Decode(&note); err != nil {
		t.Fatal(err)
	}
	if note.ChatID != "C123" || note.Message != "hi" || note.IsRead {
		t.Errorf("unexpected notification %+v", note)
	}
}

func TestHub_GroupMessageReachesRoomOnly(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.source.setCourses("alice", "CS101")
	env.source.setCourses("carol", "CS101")
	env.source.setCourses("dave", "MATH200")

	alice := env.connect(t, "alice")
	carol := env.connect(t, "carol")
	dave := env.connect(t, "dave")

	emit(t, carol, models.EventSendGroupMessage, models.ChatMessage{ChatID: "G1", CourseID: "CS101", Text: "exam moved"})

	var msg models.ChatMessage
	if err := readUntil(t, alice, models.EventGetGroupMessage).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Sender != "carol" || msg.Text != "exam moved" {
		t.Errorf("unexpected group message %+v", msg)
	}
	expectSilence(t, dave, models.EventGetGroupMessage)
}

func TestHub_PresenceSnapshotOnDisconnect(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	users := waitOnline(t, alice, "bob", true)
	if len(users) != 2 {
		t.Fatalf("expected two users online, got %+v", users)
	}

	bob.Close()
	users = waitOnline(t, alice, "bob", false)
	if len(users) != 1 || users[0].UserID != "alice" {
		t.Errorf("expected only alice online, got %+v", users)
	}
}

func TestHub_SupersededConnectionDoesNotEvict(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	alice := env.connect(t, "alice")
	first := env.connect(t, "bob")
	second := env.connect(t, "bob")

	first.Close()

	// The newer connection stays the delivery target after the old one drops.
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Stats()["connections"] != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("old connection never unregistered: %v", env.hub.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	emit(t, alice, models.EventSendMessage, models.ChatMessage{ChatID: "C1", RecipientID: "bob", Text: "still there?"})
	readUntil(t, second, models.EventGetMessage)

	if got := env.hub.Stats()["online_users"]; got != 2 {
		t.Errorf("expected 2 online users, got %d", got)
	}
}

func TestHub_MembershipChangedJoinsNewRoom(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.source.setCourses("carol", "CS101")
	alice := env.connect(t, "alice")
	carol := env.connect(t, "carol")

	env.source.setCourses("alice", "CS101")
	if err := env.hub.MembershipChanged(context.Background(), "alice"); err != nil {
		t.Fatalf("MembershipChanged: %v", err)
	}

	emit(t, carol, models.EventSendGroupMessage, models.ChatMessage{ChatID: "G1", CourseID: "CS101", Text: "welcome"})
	readUntil(t, alice, models.EventGetGroupMessage)
}

func TestHub_MembershipChangedOfflineUser(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	if err := env.hub.MembershipChanged(context.Background(), "nobody"); err != nil {
		t.Errorf("offline user should be a no-op, got %v", err)
	}
}

func TestServeWS_RejectsUnidentified(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestServeWS_OriginCheck(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowedOrigin = "https://chat.example.edu"
	env := newTestEnv(t, opts)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?userId=alice"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("foreign origin should be refused")
	}

	header = http.Header{"Origin": []string{"https://chat.example.edu"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	conn.Close()
}

func TestHub_MalformedFramesDoNotCloseConnection(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.WriteMessage(websocket.TextMessage, []byte("{not json"))
	alice.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`))
	emit(t, alice, "teleport", map[string]string{"to": "bob"})
	emit(t, alice, models.EventSendMessage, models.ChatMessage{ChatID: "C1", RecipientID: "bob", Text: "after garbage"})

	var msg models.ChatMessage
	if err := readUntil(t, bob, models.EventGetMessage).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Text != "after garbage" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	c.closeSend()
	c.closeSend()
	if err := c.Send([]byte("x")); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestHub_PartialMembershipFailureAdmitsResolvedRooms(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.source.setCourses("alice", "CS101")
	env.source.setCourses("carol", "CS101")
	env.source.failGroups(errors.New("chats collection unavailable"))

	alice := env.connect(t, "alice")
	carol := env.connect(t, "carol")

	emit(t, carol, models.EventSendGroupMessage, models.ChatMessage{ChatID: "G1", CourseID: "CS101", Text: "still here"})

	var msg models.ChatMessage
	if err := readUntil(t, alice, models.EventGetGroupMessage).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Text != "still here" {
		t.Errorf("unexpected group message %+v", msg)
	}
}

func TestHub_FullSendBufferClosesOnlySlowConnection(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.source.setCourses("alice", "CS101")
	env.source.setCourses("carol", "CS101")

	alice := env.connect(t, "alice")
	slow, slowConn := env.attachIdle(t, "bob", 1, "CS101")
	carol := env.connect(t, "carol")

	emit(t, carol, models.EventSendGroupMessage, models.ChatMessage{ChatID: "G1", CourseID: "CS101", Text: "one"})
	emit(t, carol, models.EventSendGroupMessage, models.ChatMessage{ChatID: "G1", CourseID: "CS101", Text: "two"})

	for _, want := range []string{"one", "two"} {
		var msg models.ChatMessage
		if err := readUntil(t, alice, models.EventGetGroupMessage).Decode(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.Text != want {
			t.Errorf("expected %q, got %q", want, msg.Text)
		}
	}

	if err := slow.Send([]byte("x")); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("expected ErrSendBufferFull, got %v", err)
	}
	if n := len(slow.send); n != 1 {
		t.Errorf("overflow frames must be dropped, buffer holds %d", n)
	}

	slowConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := slowConn.ReadMessage()
	var netErr net.Error
	if err == nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		t.Errorf("slow connection should have been closed, got %v", err)
	}
}
