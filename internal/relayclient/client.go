// Package relayclient maintains the single connection a process holds to
// the relay, with bounded auto-reconnect and multicast subscriptions over
// the inbound event stream.
package relayclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/pedalup/internal/models"
	"github.com/example/pedalup/internal/relay"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Second
)

// Identity is what the client registers as after every (re)connect. The
// relay forgets registration on disconnect, so it must be re-sent each
// time.
type Identity struct {
	Role      relay.Role
	CycleCode string
	Auth      string
}

type Client struct {
	url         string
	identity    Identity
	maxAttempts int
	logger      *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	running    bool
	nextSub    int
	statusSubs map[int]func(relay.DeviceStatusOut)
	ackSubs    map[int]func(relay.CommandAck)
	cmdSubs    map[int]func(relay.CommandOut)
}

func New(url string, identity Identity, maxAttempts int, logger *slog.Logger) *Client {
	return &Client{
		url:         url,
		identity:    identity,
		maxAttempts: maxAttempts,
		logger:      logger,
		statusSubs:  make(map[int]func(relay.DeviceStatusOut)),
		ackSubs:     make(map[int]func(relay.CommandAck)),
		cmdSubs:     make(map[int]func(relay.CommandOut)),
	}
}

// Connect starts the connection loop. Reconnects use capped exponential
// backoff with a fixed attempt ceiling; once exhausted the client stays
// alive but disconnected, and callers keep their subscriptions.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
}

func (c *Client) run(ctx context.Context) {
	backoff := initialBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			attempts++
			if attempts >= c.maxAttempts {
				c.logger.Error("relay unreachable, giving up", "attempts", attempts, "error", err)
				return
			}
			c.logger.Warn("relay dial failed, backing off", "attempt", attempts, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// Registration does not survive reconnects; redo it first thing.
		reg := relay.RegisterMsg{Type: relay.TypeRegister, Role: c.identity.Role, CycleCode: c.identity.CycleCode, Auth: c.identity.Auth}
		if err := conn.WriteJSON(reg); err != nil {
			_ = conn.Close()
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("relay connected", "role", c.identity.Role)
		attempts = 0
		backoff = initialBackoff

		c.readUntilError(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) readUntilError(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}
		c.dispatch(raw)
	}
}

// dispatch fans one inbound frame out to subscribers. A "command" frame is
// either the sender's ack (status:"sent") or, for device peers, a fanned
// out command.
func (c *Client) dispatch(raw []byte) {
	var probe struct {
		Type   string          `json:"type"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.logger.Debug("malformed relay frame", "error", err)
		return
	}
	switch probe.Type {
	case relay.TypeDeviceStatus:
		var ev relay.DeviceStatusOut
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		for _, fn := range c.snapshotStatusSubs() {
			fn(ev)
		}
	case relay.TypeCommand:
		var ackStatus string
		if json.Unmarshal(probe.Status, &ackStatus) == nil && ackStatus == "sent" {
			var ack relay.CommandAck
			if err := json.Unmarshal(raw, &ack); err != nil {
				return
			}
			for _, fn := range c.snapshotAckSubs() {
				fn(ack)
			}
			return
		}
		var cmd relay.CommandOut
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return
		}
		for _, fn := range c.snapshotCmdSubs() {
			fn(cmd)
		}
	}
}

// SendCommand emits a command frame. Fire-and-forget: there is no return
// path for delivery, callers watch the status stream to confirm effect.
func (c *Client) SendCommand(cycleCode, command string, meta *models.CommandMeta) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn("command dropped, relay not connected", "cycle", cycleCode, "command", command)
		return
	}
	msg := relay.CommandMsg{Type: relay.TypeCommand, CycleCode: cycleCode, Command: command, Meta: meta}
	if err := c.writeJSON(conn, msg); err != nil {
		c.logger.Warn("command send failed", "cycle", cycleCode, "error", err)
	}
}

// SendStatus emits a device status frame. Used by device-role peers.
func (c *Client) SendStatus(cycleCode string, st models.DeviceStatus) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	msg := relay.StatusMsg{Type: relay.TypeStatus, CycleCode: cycleCode, Status: st}
	if err := c.writeJSON(conn, msg); err != nil {
		c.logger.Warn("status send failed", "cycle", cycleCode, "error", err)
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return websocket.ErrCloseSent
	}
	return conn.WriteJSON(v)
}

func (c *Client) OnStatus(fn func(relay.DeviceStatusOut)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.statusSubs, id)
		c.mu.Unlock()
	}
}

func (c *Client) OnCommandAck(fn func(relay.CommandAck)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.ackSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.ackSubs, id)
		c.mu.Unlock()
	}
}

// OnCommand delivers fanned-out commands; only meaningful for device-role
// clients.
func (c *Client) OnCommand(fn func(relay.CommandOut)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.cmdSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.cmdSubs, id)
		c.mu.Unlock()
	}
}

// Connected reports whether a live connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect tears the connection down and clears all subscriptions.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.cancel = nil
	c.running = false
	c.statusSubs = make(map[int]func(relay.DeviceStatusOut))
	c.ackSubs = make(map[int]func(relay.CommandAck))
	c.cmdSubs = make(map[int]func(relay.CommandOut))
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) snapshotStatusSubs() []func(relay.DeviceStatusOut) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(relay.DeviceStatusOut), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		out = append(out, fn)
	}
	return out
}

func (c *Client) snapshotAckSubs() []func(relay.CommandAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(relay.CommandAck), 0, len(c.ackSubs))
	for _, fn := range c.ackSubs {
		out = append(out, fn)
	}
	return out
}

func (c *Client) snapshotCmdSubs() []func(relay.CommandOut) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(relay.CommandOut), 0, len(c.cmdSubs))
	for _, fn := range c.cmdSubs {
		out = append(out, fn)
	}
	return out
}
