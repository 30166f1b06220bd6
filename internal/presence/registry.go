package presence

import (
	"log/slog"
	"sort"
	"sync"

	"unichat-realtime/internal/models"
)

// Conn is the transport-level handle the registry tracks.
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
}

// Registry maps a user to their single active connection. It is the ground
// truth for who is online; the last connection for a user wins.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger.With("component", "presence"),
	}
}

// Connect registers conn for its user, replacing any previous handle. The
// replaced handle is returned (nil if none or if conn was already registered).
func (r *Registry) Connect(conn Conn) Conn {
	if conn == nil || conn.UserID() == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	prev, ok := r.conns[userID]
	r.conns[userID] = conn

	if ok && prev.ID() != conn.ID() {
		r.logger.Info("[PRESENCE] Connection replaced", "user", userID, "old", prev.ID(), "new", conn.ID())
		return prev
	}
	r.logger.Debug("[PRESENCE] User online", "user", userID, "conn", conn.ID(), "online", len(r.conns))
	return nil
}

// Disconnect removes the entry for userID. Unknown users are a no-op; the
// return value reports whether the registry changed.
func (r *Registry) Disconnect(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[userID]; !ok {
		return false
	}
	delete(r.conns, userID)
	r.logger.Debug("[PRESENCE] User offline", "user", userID, "online", len(r.conns))
	return true
}

// Release removes conn only if it is still the registered handle for its
// user, so a superseded connection closing never evicts the newer one.
func (r *Registry) Release(conn Conn) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	current, ok := r.conns[userID]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(r.conns, userID)
	r.logger.Debug("[PRESENCE] User offline", "user", userID, "conn", conn.ID(), "online", len(r.conns))
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot lists every online user ordered by user id.
func (r *Registry) Snapshot() []models.OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]models.OnlineUser, 0, len(r.conns))
	for userID, conn := range r.conns {
		users = append(users, models.OnlineUser{UserID: userID, SocketID: conn.ID()})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
