package rooms

import (
	"log/slog"
	"sort"
	"sync"

	"unichat-realtime/internal/presence"
)

// Index is the room -> connections reverse index, kept in step with the
// per-connection joined-room set.
type Index struct {
	mu sync.RWMutex

	// Map: room -> connID -> conn
	rooms map[string]map[string]presence.Conn

	// Map: connID -> set of rooms
	joined map[string]map[string]struct{}

	logger *slog.Logger
}

func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		rooms:  make(map[string]map[string]presence.Conn),
		joined: make(map[string]map[string]struct{}),
		logger: logger.With("component", "rooms"),
	}
}

// Join subscribes conn to each room and returns the rooms that were newly
// joined. Rooms already joined are skipped.
func (x *Index) Join(conn presence.Conn, rooms []string) []string {
	if conn == nil {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var added []string
	for _, room := range rooms {
		if room == "" || x.has(conn, room) {
			continue
		}
		x.add(conn, room)
		added = append(added, room)
		x.logger.Debug("[ROOMS] Joined room", "user", conn.UserID(), "conn", conn.ID(), "room", room)
	}
	return added
}

// Sync brings conn's subscriptions in line with a fresh resolution. New rooms
// are always joined; stale rooms are left only when the resolution is
// complete, so a failed sub-query never drops a subscription.
func (x *Index) Sync(conn presence.Conn, res Resolution) (joined, left []string) {
	if conn == nil {
		return nil, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	want := make(map[string]struct{}, len(res.Rooms))
	for _, room := range res.Rooms {
		if room == "" {
			continue
		}
		want[room] = struct{}{}
		if !x.has(conn, room) {
			x.add(conn, room)
			joined = append(joined, room)
		}
	}

	if res.Complete() {
		for room := range x.joined[conn.ID()] {
			if _, ok := want[room]; !ok {
				left = append(left, room)
			}
		}
		for _, room := range left {
			x.remove(conn, room)
			x.logger.Debug("[ROOMS] Left room", "user", conn.UserID(), "conn", conn.ID(), "room", room)
		}
	}

	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

// Drop removes conn from every room it joined.
func (x *Index) Drop(conn presence.Conn) {
	if conn == nil {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for room := range x.joined[conn.ID()] {
		x.remove(conn, room)
	}
	delete(x.joined, conn.ID())
}

// Members returns every connection currently joined to room.
func (x *Index) Members(room string) []presence.Conn {
	x.mu.RLock()
	defer x.mu.RUnlock()

	members := x.rooms[room]
	conns := make([]presence.Conn, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

func (x *Index) RoomsOf(conn presence.Conn) []string {
	if conn == nil {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	rooms := make([]string, 0, len(x.joined[conn.ID()]))
	for room := range x.joined[conn.ID()] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (x *Index) Stats() map[string]int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return map[string]int{
		"rooms":            len(x.rooms),
		"subscribed_conns": len(x.joined),
	}
}

func (x *Index) has(conn presence.Conn, room string) bool {
	_, ok := x.joined[conn.ID()][room]
	return ok
}

func (x *Index) add(conn presence.Conn, room string) {
	if x.rooms[room] == nil {
		x.rooms[room] = make(map[string]presence.Conn)
	}
	x.rooms[room][conn.ID()] = conn

	if x.joined[conn.ID()] == nil {
		x.joined[conn.ID()] = make(map[string]struct{})
	}
	x.joined[conn.ID()][room] = struct{}{}
}

func (x *Index) remove(conn presence.Conn, room string) {
	if members, ok := x.rooms[room]; ok {
		delete(members, conn.ID())
		if len(members) == 0 {
			delete(x.rooms, room)
		}
	}
	if set, ok := x.joined[conn.ID()]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(x.joined, conn.ID())
		}
	}
}
