// Package hub keeps the registry of tablet and cashier connections, routes
// their inbound envelopes to the session and fans session output back out by
// role.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/clock"
	"github.com/punchamoorthee/tillbridge/internal/models"
)

var (
	connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loyalty_ws_connections",
		Help: "Open websocket connections, labeled by role",
	}, []string{"role"})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_ws_evictions_total",
		Help: "Connections evicted by the hub, labeled by reason",
	}, []string{"reason"})

	inboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_ws_inbound_total",
		Help: "Inbound envelopes, labeled by role and outcome",
	}, []string{"role", "outcome"})
)

// DefaultHeartbeat is the interval clients are expected to signal liveness at.
const DefaultHeartbeat = 30 * time.Second

// Handler is the session side of the hub.
type Handler interface {
	// Attach calls join with the active session id and the snapshot a new
	// connection of role receives, at a point where no other session message
	// can be sent concurrently. It must not change session state.
	Attach(ctx context.Context, role models.Role, join func(sessionID string, snapshot []models.Message)) error
	Handle(ctx context.Context, role models.Role, env models.Envelope) ([]models.Message, error)
}

// Client is one registered connection.
type Client struct {
	ID   string
	Role models.Role

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	lastSeen  int64

	mu        sync.Mutex
	sessionID string
}

// Send is the client's outbound queue of encoded frames.
func (c *Client) Send() <-chan []byte { return c.send }

// Done is closed when the hub drops the client.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// LastSeen is the time of the client's latest inbound frame or pong.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(0, c.lastSeen)
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now.UnixNano()
	c.mu.Unlock()
}

// enqueue reports false when the client's buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) close() bool {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	return first
}

// Hub is the role-aware connection registry.
type Hub struct {
	handler    Handler
	clock      clock.Clock
	log        *zap.Logger
	heartbeat  time.Duration
	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(handler Handler, clk clock.Clock, heartbeat time.Duration, log *zap.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		handler:    handler,
		clock:      clk,
		log:        log.Named("hub"),
		heartbeat:  heartbeat,
		sendBuffer: 64,
		clients:    make(map[string]*Client),
	}
}

func (h *Hub) Heartbeat() time.Duration { return h.heartbeat }

// Register attaches a new connection of role to the active session and
// queues the session snapshot for it. Reconnecting is just registering again:
// it never causes a transition.
func (h *Hub) Register(ctx context.Context, role models.Role) (*Client, error) {
	c := &Client{
		ID:     uuid.NewString(),
		Role:   role,
		send:   make(chan []byte, h.sendBuffer),
		closed: make(chan struct{}),
	}
	c.touch(h.clock.Now())

	// join may still run after Attach gave up on ctx; abandoned stops it
	// from registering a client nobody serves.
	var (
		mu        sync.Mutex
		joined    bool
		abandoned bool
	)
	err := h.handler.Attach(ctx, role, func(sessionID string, snapshot []models.Message) {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			return
		}
		c.setSession(sessionID)
		for _, msg := range snapshot {
			h.deliver(c, msg)
		}
		if c.isClosed() {
			return
		}
		h.mu.Lock()
		h.clients[c.ID] = c
		h.mu.Unlock()
		connectionsGauge.WithLabelValues(string(role)).Inc()
		joined = true
	})
	if err != nil {
		mu.Lock()
		abandoned = true
		wasJoined := joined
		mu.Unlock()
		if wasJoined {
			h.Unregister(c)
		} else {
			c.close()
		}
		return nil, err
	}
	h.log.Info("client connected", zap.String("client_id", c.ID), zap.String("role", string(role)), zap.String("session_id", c.SessionID()))
	return c, nil
}

// Unregister drops c from the registry. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if c.close() && ok {
		connectionsGauge.WithLabelValues(string(c.Role)).Dec()
		h.log.Info("client disconnected", zap.String("client_id", c.ID), zap.String("role", string(c.Role)))
	}
}

// Broadcast sends msg to every connection of role. The recipient list is
// copied under the read lock and sent to outside it; a client whose buffer
// is full is evicted.
func (h *Hub) Broadcast(role models.Role, msg models.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("action", string(msg.Action)), zap.Error(err))
		return
	}
	for _, c := range h.snapshot(role) {
		if !c.enqueue(frame) {
			evictionsTotal.WithLabelValues("slow").Inc()
			h.log.Warn("evicting slow client", zap.String("client_id", c.ID))
			h.Unregister(c)
		}
	}
}

func (h *Hub) snapshot(role models.Role) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// Dispatch handles one inbound frame from c. Heartbeats are answered here;
// everything else goes to the handler, whose replies and errors go back to c
// only.
func (h *Hub) Dispatch(ctx context.Context, c *Client, frame []byte) error {
	c.touch(h.clock.Now())
	env, err := models.DecodeEnvelope(frame)
	if err != nil {
		inboundTotal.WithLabelValues(string(c.Role), "malformed").Inc()
		h.deliver(c, errorMessage("", err))
		return err
	}
	if env.Action == models.ActionHeartbeat {
		inboundTotal.WithLabelValues(string(c.Role), "heartbeat").Inc()
		h.deliver(c, models.NewMessage(models.ActionHeartbeatAck, map[string]any{
			"timestamp": h.clock.Now(),
		}))
		return nil
	}

	replies, err := h.handler.Handle(ctx, c.Role, env)
	if err != nil {
		inboundTotal.WithLabelValues(string(c.Role), "error").Inc()
		h.log.Warn("inbound action failed", zap.String("client_id", c.ID), zap.String("action", string(env.Action)), zap.Error(err))
		h.deliver(c, errorMessage(env.Action, err))
		return err
	}
	inboundTotal.WithLabelValues(string(c.Role), "ok").Inc()
	for _, r := range replies {
		h.deliver(c, r)
	}
	return nil
}

func (h *Hub) deliver(c *Client, msg models.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode reply", zap.String("action", string(msg.Action)), zap.Error(err))
		return
	}
	if !c.enqueue(frame) {
		evictionsTotal.WithLabelValues("slow").Inc()
		h.Unregister(c)
	}
}

func errorMessage(action models.Action, err error) models.Message {
	payload := map[string]any{"error": err.Error()}
	if action != "" {
		payload["request_action"] = string(action)
	}
	if errors.Is(err, models.ErrMissingAction) {
		payload["error"] = "missing action"
	}
	return models.NewMessage(models.ActionError, payload)
}

// Touch records liveness for c, e.g. on a websocket pong.
func (h *Hub) Touch(c *Client) { c.touch(h.clock.Now()) }

// Reap evicts every client silent for more than two heartbeat intervals and
// returns their ids.
func (h *Hub) Reap(now time.Time) []string {
	limit := 2 * h.heartbeat
	var stale []*Client
	h.mu.RLock()
	for _, c := range h.clients {
		if now.Sub(c.LastSeen()) > limit {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		evictionsTotal.WithLabelValues("stale").Inc()
		h.log.Info("evicting stale client", zap.String("client_id", c.ID), zap.Time("last_seen", c.LastSeen()))
		h.Unregister(c)
		ids = append(ids, c.ID)
	}
	return ids
}

// Run reaps stale clients every heartbeat interval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap(h.clock.Now())
		}
	}
}

// Rebind points every connection at a new session.
func (h *Hub) Rebind(sessionID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.setSession(sessionID)
	}
}

// Status summarizes the registry for the admin endpoint.
type Status struct {
	TabletConnected  bool `json:"tablet_connected"`
	CashierConnected bool `json:"cashier_connected"`
	Tablets          int  `json:"tablets"`
	Cashiers         int  `json:"cashiers"`
}

func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var s Status
	for _, c := range h.clients {
		switch c.Role {
		case models.RoleTablet:
			s.Tablets++
		case models.RoleCashier:
			s.Cashiers++
		}
	}
	s.TabletConnected = s.Tablets > 0
	s.CashierConnected = s.Cashiers > 0
	return s
}
