package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/pedalup/internal/models"
	"github.com/example/pedalup/internal/observability"
)

// TelemetryPublisher receives every accepted device status event. Best
// effort: publish failures never block or fail relay routing.
type TelemetryPublisher interface {
	PublishStatus(cycleCode string, st models.DeviceStatus, receivedAt int64) error
}

// Peer is one connected client. Writes are serialized with a per-peer
// mutex; gorilla connections do not allow concurrent writers.
type Peer struct {
	id        string
	conn      *websocket.Conn
	mu        sync.Mutex
	limiter   *rate.Limiter
	role      Role
	cycleCode string
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// Hub is the pub/sub switch: an arena of peers keyed by connection id, a
// role index, and cycle-code groups as a secondary index. All three are
// guarded by one mutex; handlers mutate them only via the methods below.
type Hub struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	groups map[string]map[string]*Peer // cycleCode -> peerID -> peer

	telemetry TelemetryPublisher
	logger    *slog.Logger
	now       func() int64
}

func NewHub(logger *slog.Logger, telemetry TelemetryPublisher) *Hub {
	return &Hub{
		peers:     make(map[string]*Peer),
		groups:    make(map[string]map[string]*Peer),
		telemetry: telemetry,
		logger:    logger,
		now:       models.NowMillis,
	}
}

// AddPeer registers a fresh, unregistered connection in the arena.
func (h *Hub) AddPeer(conn *websocket.Conn, limit rate.Limit, burst int) *Peer {
	p := &Peer{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
	}
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	h.logger.Info("peer connected", "peer", p.id)
	return p
}

// RemovePeer drops the peer from the arena and any group it joined. Safe
// to call more than once.
func (h *Hub) RemovePeer(p *Peer) {
	h.mu.Lock()
	_, present := h.peers[p.id]
	delete(h.peers, p.id)
	if p.cycleCode != "" {
		if g, ok := h.groups[p.cycleCode]; ok {
			delete(g, p.id)
			if len(g) == 0 {
				delete(h.groups, p.cycleCode)
			}
		}
	}
	h.mu.Unlock()
	if present {
		if p.role != "" {
			observability.PeersConnected.WithLabelValues(string(p.role)).Dec()
		}
		h.logger.Info("peer disconnected", "peer", p.id, "role", p.role)
	}
}

// HandleMessage routes one inbound frame. Malformed or unknown frames are
// logged and dropped; the connection stays up.
func (h *Hub) HandleMessage(p *Peer, raw []byte) {
	if !p.limiter.Allow() {
		observability.RateLimited.Inc()
		return
	}
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("malformed frame", "peer", p.id, "error", err)
		return
	}
	switch msg.Type {
	case TypeRegister:
		h.register(p, msg)
	case TypeCommand:
		h.routeCommand(p, msg)
	case TypeStatus:
		h.routeStatus(p, msg)
	default:
		h.logger.Debug("unknown frame type", "peer", p.id, "frame_type", msg.Type)
	}
}

// register places the peer into role storage and, for devices, joins the
// cycle group. Re-registering moves the peer between groups. The auth
// field is accepted but not checked; the trust boundary is the relay URL.
func (h *Hub) register(p *Peer, msg Inbound) {
	if msg.Role != RoleRiderFrontend && msg.Role != RoleDevice && msg.Role != RoleBridge {
		h.logger.Warn("register with unknown role", "peer", p.id, "role", msg.Role)
		return
	}
	h.mu.Lock()
	prevRole := p.role
	if p.cycleCode != "" {
		if g, ok := h.groups[p.cycleCode]; ok {
			delete(g, p.id)
			if len(g) == 0 {
				delete(h.groups, p.cycleCode)
			}
		}
	}
	p.role = msg.Role
	p.cycleCode = ""
	if msg.Role == RoleDevice && msg.CycleCode != "" {
		p.cycleCode = msg.CycleCode
		g, ok := h.groups[msg.CycleCode]
		if !ok {
			g = make(map[string]*Peer)
			h.groups[msg.CycleCode] = g
		}
		g[p.id] = p
	}
	h.mu.Unlock()

	if prevRole != "" {
		observability.PeersConnected.WithLabelValues(string(prevRole)).Dec()
	}
	observability.PeersConnected.WithLabelValues(string(msg.Role)).Inc()
	h.logger.Info("peer registered", "peer", p.id, "role", msg.Role, "cycle", msg.CycleCode)
}

// routeCommand fans the command out to the cycle's device group and echoes
// an ack to the sender only. Delivery is best-effort, at most once.
func (h *Hub) routeCommand(p *Peer, msg Inbound) {
	ts := h.now()
	out := CommandOut{Type: TypeCommand, Command: msg.Command, Meta: msg.Meta, Timestamp: ts}

	h.mu.RLock()
	members := make([]*Peer, 0, len(h.groups[msg.CycleCode]))
	for _, m := range h.groups[msg.CycleCode] {
		members = append(members, m)
	}
	h.mu.RUnlock()

	for _, m := range members {
		if err := m.send(out); err != nil {
			observability.DroppedSends.Inc()
			h.logger.Warn("command send failed", "peer", m.id, "error", err)
		}
	}
	observability.CommandsRouted.Inc()

	ack := CommandAck{Type: TypeCommand, Status: "sent", Command: msg.Command, CycleCode: msg.CycleCode, Timestamp: ts}
	if err := p.send(ack); err != nil {
		observability.DroppedSends.Inc()
	}
	h.logger.Info("command routed", "peer", p.id, "cycle", msg.CycleCode, "command", msg.Command, "devices", len(members))
}

// routeStatus broadcasts device telemetry to every connected peer. Status
// is fleet-visible; only commands are cycle-scoped.
func (h *Hub) routeStatus(p *Peer, msg Inbound) {
	var st models.DeviceStatus
	if err := json.Unmarshal(msg.Status, &st); err != nil {
		h.logger.Warn("malformed status payload", "peer", p.id, "error", err)
		return
	}
	receivedAt := h.now()
	out := DeviceStatusOut{Type: TypeDeviceStatus, CycleCode: msg.CycleCode, Status: st, ReceivedAt: receivedAt}

	h.mu.RLock()
	all := make([]*Peer, 0, len(h.peers))
	for _, m := range h.peers {
		all = append(all, m)
	}
	h.mu.RUnlock()

	for _, m := range all {
		if err := m.send(out); err != nil {
			observability.DroppedSends.Inc()
		}
	}
	observability.StatusEvents.Inc()

	if h.telemetry != nil {
		if err := h.telemetry.PublishStatus(msg.CycleCode, st, receivedAt); err != nil {
			h.logger.Warn("telemetry publish failed", "cycle", msg.CycleCode, "error", err)
		}
	}
}

// PeerCount is used by tests and the healthz payload.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// GroupSize reports current membership of a cycle group.
func (h *Hub) GroupSize(cycleCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[cycleCode])
}
