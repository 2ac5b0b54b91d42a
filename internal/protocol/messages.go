// Package protocol defines the MQTT topics and JSON payloads exchanged between
// the sensing node, the actuation node and the dashboards.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agsys/irrigation-node/internal/decision"
)

// Topic leaves under farm/{site}/{node}/
const (
	// Sensing node -> everyone
	LeafTelemetry    = "telemetry"     // Periodic sensor readings
	LeafStatus       = "status"        // Online flag / actuator status
	LeafDecision     = "decision"      // Informational irrigation decision
	LeafCmd          = "cmd"           // Canonical ON/OFF for the actuation node
	LeafHealth       = "health"        // Plant health classification
	LeafResponse     = "response"      // Reply to ping
	LeafPumpResponse = "pump_response" // Reply to a STATUS pump query

	// Everyone -> node
	LeafControl = "control" // {cmd} mode and manual pump control
	LeafCommand = "command" // Raw maintenance commands (ping, status, irrigate_now)
)

// Commands carried in {"cmd": ...}
const (
	CmdOn     = "ON"
	CmdOff    = "OFF"
	CmdAuto   = "AUTO"
	CmdManual = "MANUAL"
)

// Pump states reported in status payloads
const (
	PumpStateOn  = "ON"
	PumpStateOff = "OFF"
)

// ErrUnknownCommand is returned for a command outside the accepted set.
var ErrUnknownCommand = errors.New("unknown command")

// Topic builds farm/{site}/{node}/{leaf}.
func Topic(site, node, leaf string) string {
	return fmt.Sprintf("farm/%s/%s/%s", site, node, leaf)
}

// Topics is the topic set of one node.
type Topics struct {
	Site string
	Node string
}

// Leaf returns the topic of one leaf under this node.
func (t Topics) Leaf(leaf string) string { return Topic(t.Site, t.Node, leaf) }

// Peer returns the topic set of another node on the same site.
func (t Topics) Peer(node string) Topics { return Topics{Site: t.Site, Node: node} }

// Telemetry is the sensing node's periodic reading.
type Telemetry struct {
	Site         string   `json:"site"`
	Node         string   `json:"node"`
	SoilMoisture float32  `json:"soil_moisture"`
	Temperature  float32  `json:"temperature"`
	Humidity     float32  `json:"humidity"`
	PH           *float32 `json:"ph,omitempty"`
	N            *float32 `json:"n,omitempty"`
	P            *float32 `json:"p,omitempty"`
	K            *float32 `json:"k,omitempty"`
	TS           int64    `json:"ts,omitempty"`
}

// NodeStatus is the online/offline flag, also registered as the last will.
type NodeStatus struct {
	Site   string `json:"site"`
	Node   string `json:"node"`
	Online int    `json:"online"`
	TS     int64  `json:"ts,omitempty"`
}

// DecisionMessage is the informational decision record. Timestamp is in
// Unix milliseconds.
type DecisionMessage struct {
	Timestamp   int64    `json:"timestamp"`
	Decision    string   `json:"decision"`
	Probability *float32 `json:"probability,omitempty"`
}

// Command is a {cmd} control message.
type Command struct {
	Cmd string `json:"cmd"`
}

// PumpResponse answers a STATUS pump query.
type PumpResponse struct {
	PumpStatus string `json:"pumpStatus"`
}

// ActuatorStatus is the actuation node's status. Decisions use the legacy
// integer codes.
type ActuatorStatus struct {
	Site            string `json:"site"`
	Node            string `json:"node"`
	Online          int    `json:"online"`
	Mode            string `json:"mode"`
	CurrentDecision int    `json:"current_decision"`
	LastDecision    int    `json:"last_decision"`
	Pump            string `json:"pump"`
}

// HealthReport is one plant health classification.
type HealthReport struct {
	Site          string    `json:"site"`
	Node          string    `json:"node"`
	OK            int       `json:"ok"`
	Class         string    `json:"class"`
	Index         int       `json:"index"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities,omitempty"`
	TS            int64     `json:"ts"`
}

// Encode marshals a payload.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// ParseCommand decodes a {cmd} message. The command is upper-cased.
func ParseCommand(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	c.Cmd = strings.ToUpper(strings.TrimSpace(c.Cmd))
	switch c.Cmd {
	case CmdOn, CmdOff, CmdAuto, CmdManual:
		return c, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Cmd)
	}
}

// PumpCommand is a raw pump control string.
type PumpCommand int

const (
	PumpOn PumpCommand = iota
	PumpOff
	PumpQuery
)

// ParsePumpCommand accepts ON, OFF and STATUS in any case.
func ParsePumpCommand(payload []byte) (PumpCommand, error) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON":
		return PumpOn, nil
	case "OFF":
		return PumpOff, nil
	case "STATUS":
		return PumpQuery, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, payload)
	}
}

// NodeCommand is a raw maintenance command on the command leaf.
type NodeCommand int

const (
	NodePing NodeCommand = iota
	NodeStatusRequest
	NodeIrrigateNow
)

// ParseNodeCommand accepts ping, status and irrigate_now.
func ParseNodeCommand(payload []byte) (NodeCommand, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "ping":
		return NodePing, nil
	case "status":
		return NodeStatusRequest, nil
	case "irrigate_now":
		return NodeIrrigateNow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, payload)
	}
}

// ParseDecision reads the decision field of a decision message. Both the
// string names and the legacy integer codes 1, 0 and -1 are accepted.
// Anything unreadable is CheckSystem with an error.
func ParseDecision(payload []byte) (decision.Decision, error) {
	var msg struct {
		Decision json.RawMessage `json:"decision"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return decision.CheckSystem, fmt.Errorf("failed to decode decision: %w", err)
	}
	if len(msg.Decision) == 0 {
		return decision.CheckSystem, errors.New("decision field missing")
	}

	var name string
	if err := json.Unmarshal(msg.Decision, &name); err == nil {
		d, ok := decision.ParseDecision(name)
		if !ok {
			return decision.CheckSystem, fmt.Errorf("unknown decision %q", name)
		}
		return d, nil
	}

	var code int
	if err := json.Unmarshal(msg.Decision, &code); err != nil {
		return decision.CheckSystem, fmt.Errorf("invalid decision value %s", msg.Decision)
	}
	d, ok := decision.DecisionFromCode(code)
	if !ok {
		return decision.CheckSystem, fmt.Errorf("unknown decision code %d", code)
	}
	return d, nil
}

// CommandFor maps an irrigation decision to the canonical actuation command.
// Only Irrigate turns the pump on.
func CommandFor(d decision.Decision) Command {
	if d == decision.Irrigate {
		return Command{Cmd: CmdOn}
	}
	return Command{Cmd: CmdOff}
}

// PumpState renders a pump flag.
func PumpState(running bool) string {
	if running {
		return PumpStateOn
	}
	return PumpStateOff
}
