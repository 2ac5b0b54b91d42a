package decision

import "github.com/agsys/irrigation-node/internal/ringbuf"

// HistorySize is the number of samples the irrigation model looks back over.
const HistorySize = 4

type sample struct {
	temp     float32
	moisture float32
}

// History is the rolling window of (temperature, scaled moisture) samples.
type History struct {
	buf *ringbuf.RingBuffer[sample]
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{buf: ringbuf.New[sample](HistorySize)}
}

// Add records a sample, evicting the oldest once full.
func (h *History) Add(temp, moisture float32) {
	h.buf.Push(sample{temp: temp, moisture: moisture})
}

// Len returns the number of samples held.
func (h *History) Len() int { return h.buf.Len() }

// Ready reports whether the window is full.
func (h *History) Ready() bool { return h.buf.Len() >= HistorySize }

// Temp returns the temperature stepsAgo samples back; 0 is the newest.
func (h *History) Temp(stepsAgo int) float32 {
	s, ok := h.at(stepsAgo)
	if !ok {
		return 0
	}
	return s.temp
}

// Moisture returns the scaled moisture stepsAgo samples back.
func (h *History) Moisture(stepsAgo int) float32 {
	s, ok := h.at(stepsAgo)
	if !ok {
		return 0
	}
	return s.moisture
}

// TempMean is the mean temperature over the held samples.
func (h *History) TempMean() float32 {
	return mean(h.buf.Snapshot(), func(s sample) float32 { return s.temp })
}

// MoistureMean is the mean scaled moisture over the held samples.
func (h *History) MoistureMean() float32 {
	return mean(h.buf.Snapshot(), func(s sample) float32 { return s.moisture })
}

// TempTrend is newest minus oldest temperature; zero with fewer than two samples.
func (h *History) TempTrend() float32 {
	n := h.Len()
	if n < 2 {
		return 0
	}
	return h.Temp(0) - h.Temp(n-1)
}

// MoistureTrend is newest minus oldest scaled moisture.
func (h *History) MoistureTrend() float32 {
	n := h.Len()
	if n < 2 {
		return 0
	}
	return h.Moisture(0) - h.Moisture(n-1)
}

func (h *History) at(stepsAgo int) (sample, bool) {
	snap := h.buf.Snapshot()
	idx := len(snap) - 1 - stepsAgo
	if stepsAgo < 0 || idx < 0 {
		return sample{}, false
	}
	return snap[idx], true
}

func mean(samples []sample, field func(sample) float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float32
	for _, s := range samples {
		sum += field(s)
	}
	return sum / float32(len(samples))
}
