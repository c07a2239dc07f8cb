package stats

import "fmt"

// Health is the system-controlled operating state. It only moves towards
// Fallback until Restart is called.
type Health int

const (
	Healthy Health = iota
	LowMemory
	Fallback
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case LowMemory:
		return "low-memory"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
