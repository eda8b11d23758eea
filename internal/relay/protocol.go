package relay

import (
	"encoding/json"

	"github.com/example/pedalup/internal/models"
)

// Peer roles. The bridge role is the serial/LED hardware bridge; the relay
// treats it like a frontend (it hears everything, owns no cycle group).
type Role string

const (
	RoleRiderFrontend Role = "rider-frontend"
	RoleDevice        Role = "device"
	RoleBridge        Role = "bridge"
)

// Message types on the wire. Every frame is a JSON object with a "type"
// discriminator; unknown types are ignored.
const (
	TypeRegister     = "register"
	TypeCommand      = "command"
	TypeStatus       = "status"
	TypeDeviceStatus = "deviceStatus"
)

// Inbound is the union of fields a client may send. Status stays raw until
// the type is known because the command ack reuses the "status" key for a
// plain string.
type Inbound struct {
	Type      string              `json:"type"`
	Role      Role                `json:"role,omitempty"`
	Auth      string              `json:"auth,omitempty"`
	CycleCode string              `json:"cycleId,omitempty"`
	Command   string              `json:"command,omitempty"`
	Meta      *models.CommandMeta `json:"meta,omitempty"`
	Status    json.RawMessage     `json:"status,omitempty"`
}

// CommandOut is fanned out to every device in the cycle's group.
type CommandOut struct {
	Type      string              `json:"type"`
	Command   string              `json:"command"`
	Meta      *models.CommandMeta `json:"meta,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// CommandAck is echoed to the sender only.
type CommandAck struct {
	Type      string `json:"type"`
	Status    string `json:"status"` // always "sent"
	Command   string `json:"command"`
	CycleCode string `json:"cycleId"`
	Timestamp int64  `json:"timestamp"`
}

// DeviceStatusOut is fleet-visible telemetry broadcast to all peers.
type DeviceStatusOut struct {
	Type       string              `json:"type"`
	CycleCode  string              `json:"cycleId"`
	Status     models.DeviceStatus `json:"status"`
	ReceivedAt int64               `json:"receivedAt"`
}

// RegisterMsg is what clients send after (re)connecting.
type RegisterMsg struct {
	Type      string `json:"type"`
	Role      Role   `json:"role"`
	CycleCode string `json:"cycleId,omitempty"`
	Auth      string `json:"auth,omitempty"`
}

// StatusMsg is what devices send.
type StatusMsg struct {
	Type      string              `json:"type"`
	CycleCode string              `json:"cycleId"`
	Status    models.DeviceStatus `json:"status"`
}

// CommandMsg is what frontends send.
type CommandMsg struct {
	Type      string              `json:"type"`
	CycleCode string              `json:"cycleId"`
	Command   string              `json:"command"`
	Meta      *models.CommandMeta `json:"meta,omitempty"`
}
