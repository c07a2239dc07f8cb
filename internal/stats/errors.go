package stats

import "errors"

// Errors returned by the orchestrator.
var (
	ErrUnitUnresponsive = errors.New("compute unit unresponsive")
	ErrPendingExpired   = errors.New("pending task expired before the compute unit was ready")
	ErrShuttingDown     = errors.New("stats orchestrator is shutting down")
	ErrAlreadyStarted   = errors.New("stats orchestrator already started")
	ErrUnitUnavailable  = errors.New("compute unit is not running")
	ErrInvalidMode      = errors.New("invalid processing mode")
)
