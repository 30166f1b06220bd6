package ws

import (
	"context"
	"log/slog"
	"sync/atomic"

	"unichat-realtime/internal/models"
	"unichat-realtime/internal/presence"
	"unichat-realtime/internal/rooms"
	"unichat-realtime/internal/router"
)

type registration struct {
	client *Client
	rooms  rooms.Resolution
	ack    chan struct{}
}

type inboundEvent struct {
	client *Client
	env    models.Envelope
}

type resync struct {
	userID string
	rooms  rooms.Resolution
}

// Hub owns every mutation of presence and room subscriptions. Registration,
// unregistration, inbound routing and membership resyncs are all applied on
// the Run goroutine in arrival order.
type Hub struct {
	registry *presence.Registry
	rooms    *rooms.Index
	resolver *rooms.Resolver
	router   *router.Router
	opts     Options
	logger   *slog.Logger

	// Every open connection, superseded ones included. Owned by Run.
	clients map[*Client]struct{}
	conns   atomic.Int64

	register   chan registration
	unregister chan *Client
	inbound    chan inboundEvent
	resync     chan resync
	done       chan struct{}
}

func NewHub(registry *presence.Registry, index *rooms.Index, resolver *rooms.Resolver, rt *router.Router, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	return &Hub{
		registry:   registry,
		rooms:      index,
		resolver:   resolver,
		router:     rt,
		opts:       opts,
		logger:     logger.With("component", "hub"),
		clients:    make(map[*Client]struct{}),
		register:   make(chan registration),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent, 256),
		resync:     make(chan resync),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop. It returns when ctx is done, after closing
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("[HUB] Starting hub event loop")
	defer close(h.done)

	for {
		select {
		case reg := <-h.register:
			h.registerClient(reg.client, reg.rooms)
			close(reg.ack)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case ev := <-h.inbound:
			h.router.Route(ev.client, ev.env)

		case rs := <-h.resync:
			h.applyResync(rs)

		case <-ctx.Done():
			h.logger.Info("[HUB] Stopping hub event loop", "connections", len(h.clients))
			for client := range h.clients {
				client.closeSend()
			}
			return
		}
	}
}

// Register adds client with its resolved rooms. It returns once the client
// is online and joined, so the caller may start its pumps.
func (h *Hub) Register(ctx context.Context, client *Client, res rooms.Resolution) error {
	reg := registration{client: client, rooms: res, ack: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}

	select {
	case <-reg.ack:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// dispatch hands an inbound event to the loop. It reports false once the hub
// has stopped.
func (h *Hub) dispatch(client *Client, env models.Envelope) bool {
	select {
	case h.inbound <- inboundEvent{client: client, env: env}:
		return true
	case <-h.done:
		return false
	}
}

// MembershipChanged re-resolves the rooms of an online user and applies the
// result to every connection the user has open. Offline users are a no-op.
func (h *Hub) MembershipChanged(ctx context.Context, userID string) error {
	if _, ok := h.registry.Lookup(userID); !ok {
		h.logger.Debug("[HUB] Membership change for offline user", "user", userID)
		return nil
	}

	res, err := h.resolver.ResolveRoomsForUser(ctx, userID)
	if err != nil {
		return err
	}

	select {
	case h.resync <- resync{userID: userID, rooms: res}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// OnlineUsers is the current presence snapshot.
func (h *Hub) OnlineUsers() []models.OnlineUser {
	return h.registry.Snapshot()
}

func (h *Hub) Stats() map[string]int {
	stats := h.rooms.Stats()
	stats["online_users"] = h.registry.Len()
	stats["connections"] = int(h.conns.Load())
	return stats
}

func (h *Hub) registerClient(client *Client, res rooms.Resolution) {
	h.clients[client] = struct{}{}
	h.conns.Store(int64(len(h.clients)))

	if prev := h.registry.Connect(client); prev != nil {
		h.logger.Info("[HUB] Newer connection replaced previous one", "user", client.userID, "previous", prev.ID(), "conn", client.id)
	}
	joined := h.rooms.Join(client, res.Rooms)

	h.logger.Info("[HUB] Client registered",
		"user", client.userID,
		"conn", client.id,
		"rooms", len(joined),
		"complete", res.Complete(),
		"connections", len(h.clients))

	h.broadcastPresence()
}

func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.conns.Store(int64(len(h.clients)))

	h.rooms.Drop(client)
	client.closeSend()

	// A superseded connection closing never evicts the newer one.
	changed := h.registry.Release(client)
	h.logger.Info("[HUB] Client unregistered",
		"user", client.userID,
		"conn", client.id,
		"presence_changed", changed,
		"connections", len(h.clients))

	if changed {
		h.broadcastPresence()
	}
}

func (h *Hub) applyResync(rs resync) {
	for client := range h.clients {
		if client.userID != rs.userID {
			continue
		}
		joined, left := h.rooms.Sync(client, rs.rooms)
		h.logger.Info("[HUB] Rooms resynced",
			"user", rs.userID,
			"conn", client.id,
			"joined", joined,
			"left", left,
			"complete", rs.rooms.Complete())
	}
}

// broadcastPresence sends the online-users snapshot to every open connection.
func (h *Hub) broadcastPresence() {
	frame, err := models.Encode(models.EventGetOnlineUsers, h.registry.Snapshot())
	if err != nil {
		h.logger.Error("[HUB] Failed to encode presence snapshot", "error", err)
		return
	}

	failed := 0
	for client := range h.clients {
		if err := client.Send(frame); err != nil {
			failed++
		}
	}
	if failed > 0 {
		h.logger.Warn("[HUB] Presence broadcast incomplete", "failed", failed, "connections", len(h.clients))
	}
}
