package engine

import (
	"errors"

	"github.com/agsys/irrigation-node/internal/decision"
	"github.com/agsys/irrigation-node/internal/protocol"
	"github.com/agsys/irrigation-node/internal/storage"
)

// handleCmd applies the sensing node's canonical command. Only AUTO mode
// follows it; ON starts the pump and any other command stops it.
func (e *Engine) handleCmd(payload []byte) {
	cmd, err := protocol.ParseCommand(payload)
	if err != nil && !errors.Is(err, protocol.ErrUnknownCommand) {
		e.log.Warnf("Failed to decode command: %v", err)
		return
	}

	e.mu.Lock()
	if e.mode != ModeAuto {
		e.mu.Unlock()
		e.log.Debug("Manual mode, ignoring automatic command", "cmd", cmd.Cmd)
		return
	}
	on := cmd.Cmd == protocol.CmdOn
	e.recordDecisionLocked(onDecision(on))
	e.mu.Unlock()

	e.setPump(on, storage.SourceAuto)
	e.PublishStatus()
}

// handleDecision records the informational decision message. It drives the
// pump only when legacy decisions are accepted.
func (e *Engine) handleDecision(payload []byte) {
	d, err := protocol.ParseDecision(payload)
	if err != nil {
		e.log.Warnf("Failed to decode decision: %v", err)
	}

	e.mu.Lock()
	e.recordDecisionLocked(d)
	drive := e.config.AcceptLegacyDecision && e.mode == ModeAuto
	e.mu.Unlock()

	if drive {
		e.setPump(d == decision.Irrigate, storage.SourceLegacy)
	}
	e.PublishStatus()
}

// handleControlPayload decodes a control topic message.
func (e *Engine) handleControlPayload(payload []byte) {
	cmd, err := protocol.ParseCommand(payload)
	if err != nil {
		e.log.Warnf("Failed to decode control message: %v", err)
		return
	}
	e.HandleControl(cmd)
}

// HandleControl applies a control command from the broker, the cloud or the
// local API. ON and OFF switch to MANUAL and drive the pump; AUTO and
// MANUAL only switch mode.
func (e *Engine) HandleControl(cmd protocol.Command) {
	if e.config.Role != RoleActuation {
		e.log.Warn("Control command ignored on sensing node", "cmd", cmd.Cmd)
		return
	}

	e.mu.Lock()
	switch cmd.Cmd {
	case protocol.CmdOn, protocol.CmdOff:
		e.mode = ModeManual
		e.recordDecisionLocked(onDecision(cmd.Cmd == protocol.CmdOn))
	case protocol.CmdAuto:
		e.mode = ModeAuto
	case protocol.CmdManual:
		e.mode = ModeManual
	default:
		e.mu.Unlock()
		e.log.Warn("Unknown control command", "cmd", cmd.Cmd)
		return
	}
	mode := e.mode
	e.mu.Unlock()

	e.log.Info("Control command", "cmd", cmd.Cmd, "mode", mode)

	switch cmd.Cmd {
	case protocol.CmdOn:
		e.setPump(true, storage.SourceManual)
	case protocol.CmdOff:
		e.setPump(false, storage.SourceManual)
	}
	e.PublishStatus()
}

func (e *Engine) recordDecisionLocked(d decision.Decision) {
	e.lastDecision = e.currentDecision
	e.currentDecision = d
}

func (e *Engine) actuatorStatus() protocol.ActuatorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return protocol.ActuatorStatus{
		Site:            e.config.Site,
		Node:            e.config.NodeID,
		Online:          1,
		Mode:            e.mode,
		CurrentDecision: int(e.currentDecision),
		LastDecision:    int(e.lastDecision),
		Pump:            protocol.PumpState(e.deps.Pump.Running()),
	}
}

func onDecision(on bool) decision.Decision {
	if on {
		return decision.Irrigate
	}
	return decision.NoIrrigation
}
