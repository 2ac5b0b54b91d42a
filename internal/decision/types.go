package decision

import "strings"

// Decision is the irrigation outcome of one inference cycle. The numeric
// values are the legacy wire codes.
type Decision int

const (
	CheckSystem  Decision = -1
	NoIrrigation Decision = 0
	Irrigate     Decision = 1
)

func (d Decision) String() string {
	switch d {
	case Irrigate:
		return "IRRIGATE"
	case NoIrrigation:
		return "NO_IRRIGATION"
	case CheckSystem:
		return "CHECK_SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// ParseDecision accepts the wire names, case-insensitively.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IRRIGATE":
		return Irrigate, true
	case "NO_IRRIGATION":
		return NoIrrigation, true
	case "CHECK_SYSTEM":
		return CheckSystem, true
	default:
		return CheckSystem, false
	}
}

// DecisionFromCode maps a legacy integer code.
func DecisionFromCode(code int) (Decision, bool) {
	switch Decision(code) {
	case Irrigate, NoIrrigation, CheckSystem:
		return Decision(code), true
	default:
		return CheckSystem, false
	}
}

// Health is the plant health class.
type Health int

const (
	Healthy Health = iota
	NitrogenDeficiency
	PhStressAcidic
	PhStressAlkaline
	PhosphorusDeficiency
	PotassiumDeficiency
	WaterStress
	HealthCheckSystem
)

var healthNames = [...]string{
	"HEALTHY",
	"NITROGEN_DEFICIENCY",
	"PH_STRESS_ACIDIC",
	"PH_STRESS_ALKALINE",
	"PHOSPHORUS_DEFICIENCY",
	"POTASSIUM_DEFICIENCY",
	"WATER_STRESS",
	"CHECK_SYSTEM",
}

func (h Health) String() string {
	if h < 0 || int(h) >= len(healthNames) {
		return "UNKNOWN"
	}
	return healthNames[h]
}

// HealthFromIndex maps a classifier output index; anything out of range is
// CheckSystem.
func HealthFromIndex(i int) Health {
	if i < 0 || i >= NumHealthClasses {
		return HealthCheckSystem
	}
	return Health(i)
}
