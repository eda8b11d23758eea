package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/pedalup/internal/config"
	"github.com/example/pedalup/internal/logging"
	"github.com/example/pedalup/internal/models"
)

func testConfig() config.RelayConfig {
	return config.RelayConfig{PeerRatePerSec: 1000, PeerRateBurst: 1000}
}

func newTestRelay(t *testing.T, telemetry TelemetryPublisher) (*Server, *httptest.Server, string) {
	t.Helper()
	srv := NewServer(testConfig(), logging.NewClientLogger("error", nil), telemetry)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return srv, ts, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, role Role, cycleCode string) {
	t.Helper()
	if err := conn.WriteJSON(RegisterMsg{Type: TypeRegister, Role: role, CycleCode: cycleCode}); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]json.RawMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func frameString(t *testing.T, frame map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if raw, ok := frame[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func TestCommandScopedToCycleGroup(t *testing.T) {
	srv, _, wsURL := newTestRelay(t, nil)

	frontend := dial(t, wsURL)
	dev1003a := dial(t, wsURL)
	dev1003b := dial(t, wsURL)
	dev2001 := dial(t, wsURL)

	register(t, frontend, RoleRiderFrontend, "")
	register(t, dev1003a, RoleDevice, "1003")
	register(t, dev1003b, RoleDevice, "1003")
	register(t, dev2001, RoleDevice, "2001")

	waitFor(t, func() bool { return srv.Hub().GroupSize("1003") == 2 && srv.Hub().GroupSize("2001") == 1 }, "device registration")

	cmd := CommandMsg{Type: TypeCommand, CycleCode: "1003", Command: "unlock", Meta: &models.CommandMeta{UserID: 7, RideID: 55, Reason: "user_requested"}}
	if err := frontend.WriteJSON(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	// Both devices in group 1003 receive the fanned out command.
	for _, conn := range []*websocket.Conn{dev1003a, dev1003b} {
		frame := readFrame(t, conn)
		if frameString(t, frame, "type") != TypeCommand || frameString(t, frame, "command") != "unlock" {
			t.Fatalf("device expected unlock command, got %v", frame)
		}
		if _, hasStatus := frame["status"]; hasStatus {
			t.Fatal("fanned out command must not carry an ack status")
		}
	}

	// Sender gets the ack, and only the sender.
	ack := readFrame(t, frontend)
	if frameString(t, ack, "status") != "sent" || frameString(t, ack, "cycleId") != "1003" {
		t.Fatalf("expected sent ack for 1003, got %v", ack)
	}

	// The device under another cycle code must see nothing.
	_ = dev2001.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray map[string]json.RawMessage
	if err := dev2001.ReadJSON(&stray); err == nil {
		t.Fatalf("device 2001 must not receive 1003 commands, got %v", stray)
	}
}

func TestStatusBroadcastToAllPeers(t *testing.T) {
	srv, _, wsURL := newTestRelay(t, nil)

	frontend := dial(t, wsURL)
	device := dial(t, wsURL)
	bridge := dial(t, wsURL)
	otherDev := dial(t, wsURL)

	register(t, frontend, RoleRiderFrontend, "")
	register(t, device, RoleDevice, "1003")
	register(t, bridge, RoleBridge, "")
	register(t, otherDev, RoleDevice, "2001")

	waitFor(t, func() bool { return srv.Hub().PeerCount() == 4 && srv.Hub().GroupSize("1003") == 1 }, "peer registration")

	st := StatusMsg{Type: TypeStatus, CycleCode: "1003", Status: models.DeviceStatus{Lat: 12.9, Lng: 79.1, Lock: models.LockUnlocked, Battery: 88, Timestamp: 1}}
	if err := device.WriteJSON(st); err != nil {
		t.Fatalf("send status: %v", err)
	}

	// Every connected peer hears fleet telemetry, regardless of role or
	// cycle group, including the reporting device itself.
	for _, conn := range []*websocket.Conn{frontend, bridge, otherDev, device} {
		var ev DeviceStatusOut
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read deviceStatus: %v", err)
		}
		if ev.Type != TypeDeviceStatus || ev.CycleCode != "1003" || ev.Status.Lock != models.LockUnlocked {
			t.Fatalf("unexpected deviceStatus: %+v", ev)
		}
		if ev.ReceivedAt == 0 {
			t.Fatal("receivedAt must be stamped by the relay")
		}
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (c *capturePublisher) PublishStatus(cycleCode string, st models.DeviceStatus, receivedAt int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, cycleCode)
	return nil
}

func TestStatusForwardedToTelemetry(t *testing.T) {
	pub := &capturePublisher{}
	srv, _, wsURL := newTestRelay(t, pub)

	device := dial(t, wsURL)
	register(t, device, RoleDevice, "1003")
	waitFor(t, func() bool { return srv.Hub().GroupSize("1003") == 1 }, "registration")

	st := StatusMsg{Type: TypeStatus, CycleCode: "1003", Status: models.DeviceStatus{Lat: 1, Lng: 2, Lock: models.LockLocked}}
	if err := device.WriteJSON(st); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.events) == 1 && pub.events[0] == "1003"
	}, "telemetry publish")
}

func TestDisconnectRemovesPeerAndGroup(t *testing.T) {
	srv, _, wsURL := newTestRelay(t, nil)

	device := dial(t, wsURL)
	register(t, device, RoleDevice, "1003")
	waitFor(t, func() bool { return srv.Hub().GroupSize("1003") == 1 }, "registration")

	_ = device.Close()
	waitFor(t, func() bool { return srv.Hub().PeerCount() == 0 && srv.Hub().GroupSize("1003") == 0 }, "cleanup after disconnect")
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	srv, _, wsURL := newTestRelay(t, nil)

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	register(t, conn, RoleDevice, "1003")
	waitFor(t, func() bool { return srv.Hub().GroupSize("1003") == 1 }, "registration after malformed frame")
}
