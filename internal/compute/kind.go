package compute

import "fmt"

// Kind is the closed set of request types the unit understands.
type Kind int

const (
	KindInitialize Kind = iota + 1
	KindCalculateStats
	KindSetMode
	KindMemoryCleanup
	KindStatus
	KindShutdown
)

// Request type names on the wire.
const (
	TypeInitialize     = "initialize"
	TypeCalculateStats = "calculate-stats"
	TypeSetMode        = "set-mode"
	TypeMemoryCleanup  = "memory-cleanup"
	TypeStatus         = "status"
	TypeShutdown       = "shutdown"
)

// Response type names on the wire.
const (
	TypeInitialized          = "initialized"
	TypeStatsResult          = "stats-result"
	TypeModeChanged          = "mode-changed"
	TypeCleanupComplete      = "cleanup-complete"
	TypeStatusResponse       = "status-response"
	TypeShutdownAcknowledged = "shutdown-acknowledged"
	TypeError                = "error"
)

// ParseKind resolves a wire type name. "terminate" is accepted as an alias
// of shutdown.
func ParseKind(s string) (Kind, error) {
	switch s {
	case TypeInitialize:
		return KindInitialize, nil
	case TypeCalculateStats:
		return KindCalculateStats, nil
	case TypeSetMode:
		return KindSetMode, nil
	case TypeMemoryCleanup:
		return KindMemoryCleanup, nil
	case TypeStatus:
		return KindStatus, nil
	case TypeShutdown, "terminate":
		return KindShutdown, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
	}
}

// String returns the wire type name.
func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return TypeInitialize
	case KindCalculateStats:
		return TypeCalculateStats
	case KindSetMode:
		return TypeSetMode
	case KindMemoryCleanup:
		return TypeMemoryCleanup
	case KindStatus:
		return TypeStatus
	case KindShutdown:
		return TypeShutdown
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ResponseType returns the type of a successful response to k.
func (k Kind) ResponseType() string {
	switch k {
	case KindInitialize:
		return TypeInitialized
	case KindCalculateStats:
		return TypeStatsResult
	case KindSetMode:
		return TypeModeChanged
	case KindMemoryCleanup:
		return TypeCleanupComplete
	case KindStatus:
		return TypeStatusResponse
	case KindShutdown:
		return TypeShutdownAcknowledged
	default:
		return TypeError
	}
}
