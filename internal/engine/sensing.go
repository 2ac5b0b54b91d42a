package engine

import (
	"github.com/agsys/irrigation-node/internal/decision"
	"github.com/agsys/irrigation-node/internal/protocol"
	"github.com/agsys/irrigation-node/internal/sensors"
	"github.com/agsys/irrigation-node/internal/storage"
)

// DecisionCycle consumes one reading, produces exactly one irrigation
// decision and publishes the command followed by the decision. When the
// broker is down nothing is published and the next cycle tries again with
// fresh data.
func (e *Engine) DecisionCycle() {
	ch := e.deps.Channels
	reading := decision.Reading{
		SoilMoisture: ch.Take(sensors.Moisture),
		Temperature:  ch.Take(sensors.Temperature),
		Humidity:     ch.Take(sensors.Humidity),
	}

	var res decision.IrrigationResult
	if err := e.deps.Decision.UpdateHistory(reading); err != nil {
		e.log.Warnf("Skipping inference: %v", err)
		res = decision.IrrigationResult{Decision: decision.CheckSystem, Probability: -1, Err: err}
	} else {
		res = e.deps.Decision.DecideIrrigation()
	}

	e.mu.Lock()
	e.lastResult = &res
	e.mu.Unlock()

	e.emitDecision(res, "")
}

// IrrigateNow forces an irrigate decision outside the periodic cycle.
func (e *Engine) IrrigateNow() {
	e.log.Info("Manual irrigation requested")
	e.emitDecision(decision.IrrigationResult{Decision: decision.Irrigate, Probability: -1}, "irrigate_now")
}

func (e *Engine) emitDecision(res decision.IrrigationResult, reason string) {
	e.mu.Lock()
	e.recordDecisionLocked(res.Decision)
	e.mu.Unlock()

	cmd := protocol.CommandFor(res.Decision)
	msg := protocol.DecisionMessage{
		Timestamp: e.now().UnixMilli(),
		Decision:  res.Decision.String(),
	}
	if res.Probability >= 0 {
		p := res.Probability
		msg.Probability = &p
	}
	if reason == "" && res.Err != nil {
		reason = res.Err.Error()
	}

	published := false
	if e.deps.Broker.IsConnected() {
		published = e.publish(e.topics.Leaf(protocol.LeafCmd), cmd)
		if published {
			e.publish(e.topics.Leaf(protocol.LeafDecision), msg)
		}
	} else {
		e.log.Warn("Broker not connected, decision not published", "decision", res.Decision.String())
	}

	e.deps.Metrics.Decision(res.Decision.String())

	if db := e.deps.DB; db != nil {
		rec := &storage.DecisionRecord{
			Decision:    int(res.Decision),
			Label:       res.Decision.String(),
			Probability: float64(res.Probability),
			Command:     cmd.Cmd,
			Published:   published,
			Reason:      reason,
			Timestamp:   e.now(),
		}
		if _, err := db.InsertDecision(rec); err != nil {
			e.log.Warnf("Failed to store decision: %v", err)
		}
	}
}

// HealthCycle classifies plant health from the newest nutrient readings.
// Nothing happens until every nutrient channel has reported.
func (e *Engine) HealthCycle() {
	r, ok := e.deps.Channels.LatestAll()
	if !ok {
		e.log.Debug("Nutrient channels empty, skipping health inference")
		return
	}

	in := decision.HealthInput{
		Nitrogen:    r.Nitrogen,
		Phosphorus:  r.Phosphorus,
		Potassium:   r.Potassium,
		PH:          r.PH,
		Moisture:    r.Moisture,
		Temperature: r.Temperature,
	}
	res, err := e.deps.Decision.DecideHealth(in)
	if err != nil {
		e.log.Warnf("Health inference failed: %v", err)
	}

	e.mu.Lock()
	e.lastHealth = &res
	e.mu.Unlock()

	report := protocol.HealthReport{
		Site:          e.config.Site,
		Node:          e.config.NodeID,
		Class:         res.Class.String(),
		Index:         res.Index,
		Confidence:    res.Confidence(),
		Probabilities: res.Probabilities[:],
		TS:            e.now().Unix(),
	}
	if err == nil {
		report.OK = 1
	}
	e.publish(e.topics.Leaf(protocol.LeafHealth), report)
	e.deps.Metrics.Health(res.Class.String())

	if db := e.deps.DB; db != nil {
		rec := &storage.HealthRecord{
			Class:       res.Class.String(),
			ClassIndex:  res.Index,
			Confidence:  float64(res.Confidence()),
			Nitrogen:    float64(in.Nitrogen),
			Phosphorus:  float64(in.Phosphorus),
			Potassium:   float64(in.Potassium),
			PH:          float64(in.PH),
			Moisture:    float64(in.Moisture),
			Temperature: float64(in.Temperature),
			Timestamp:   e.now(),
		}
		if _, err := db.InsertHealthReport(rec); err != nil {
			e.log.Warnf("Failed to store health report: %v", err)
		}
	}
}

// PublishTelemetry publishes the newest value of every channel. Nutrient
// fields are omitted until their channel has data.
func (e *Engine) PublishTelemetry() {
	ch := e.deps.Channels
	moisture, _ := ch.Latest(sensors.Moisture)
	temp, _ := ch.Latest(sensors.Temperature)
	humidity, _ := ch.Latest(sensors.Humidity)

	t := protocol.Telemetry{
		Site:         e.config.Site,
		Node:         e.config.NodeID,
		SoilMoisture: moisture,
		Temperature:  temp,
		Humidity:     humidity,
		PH:           latestPtr(ch, sensors.PH),
		N:            latestPtr(ch, sensors.Nitrogen),
		P:            latestPtr(ch, sensors.Phosphorus),
		K:            latestPtr(ch, sensors.Potassium),
		TS:           e.now().Unix(),
	}
	e.publish(e.topics.Leaf(protocol.LeafTelemetry), t)

	if db := e.deps.DB; db != nil {
		rec := &storage.TelemetryRecord{
			Site:         t.Site,
			Node:         t.Node,
			SoilMoisture: float64(moisture),
			Temperature:  float64(temp),
			Humidity:     float64(humidity),
			PH:           widen(t.PH),
			Nitrogen:     widen(t.N),
			Phosphorus:   widen(t.P),
			Potassium:    widen(t.K),
			Timestamp:    e.now(),
		}
		if _, err := db.InsertTelemetry(rec); err != nil {
			e.log.Warnf("Failed to store telemetry: %v", err)
		}
	}
}

// handlePumpCommand drives the local pump from raw ON/OFF/STATUS strings.
func (e *Engine) handlePumpCommand(payload []byte) {
	cmd, err := protocol.ParsePumpCommand(payload)
	if err != nil {
		// The actuation node's JSON status shares this topic.
		e.log.Debug("Ignoring non-command payload on pump topic", "error", err)
		return
	}

	switch cmd {
	case protocol.PumpOn:
		e.setPump(true, storage.SourceLocal)
	case protocol.PumpOff:
		e.setPump(false, storage.SourceLocal)
	case protocol.PumpQuery:
		running := e.deps.Pump != nil && e.deps.Pump.Running()
		e.publish(e.topics.Leaf(protocol.LeafPumpResponse), protocol.PumpResponse{PumpStatus: protocol.PumpState(running)})
	}
}

func latestPtr(ch *sensors.Channels, c sensors.Channel) *float32 {
	v, ok := ch.Latest(c)
	if !ok {
		return nil
	}
	return &v
}

func widen(v *float32) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}
