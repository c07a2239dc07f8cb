package compute

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UnknownID is echoed when a malformed request carried no usable id.
const UnknownID = "unknown"

// Request is the envelope sent to the unit.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope the unit returns. Exactly one response is sent
// per request and it carries the request's id.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRequest builds a request of kind k with a fresh id. A nil payload is
// omitted from the envelope.
func NewRequest(k Kind, payload any) (Request, error) {
	req := Request{Type: k.String(), ID: uuid.NewString()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s payload: %w", k, err)
		}
		req.Payload = data
	}
	return req, nil
}

// Decode unmarshals the response result into v.
func (r Response) Decode(v any) error {
	if err := ResponseError(r); err != nil {
		return err
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("%w: %s response has no result", ErrInvalidMessage, r.Type)
	}
	return json.Unmarshal(r.Result, v)
}

func resultResponse(k Kind, id string, result any) Response {
	resp := Response{Type: k.ResponseType(), ID: id}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return errorResponse(id, fmt.Errorf("%w: encode result: %v", ErrInternal, err))
		}
		resp.Result = data
	}
	return resp
}

func errorResponse(id string, err error) Response {
	if id == "" {
		id = UnknownID
	}
	return Response{Type: TypeError, ID: id, Error: wireError(err)}
}

// InitializePayload configures the unit.
type InitializePayload struct {
	ProcessingMode string `json:"processingMode,omitempty"`
	MemoryLimit    uint64 `json:"memoryLimit,omitempty"`
}

// InitializeResult reports the unit's starting state.
type InitializeResult struct {
	Mode                 string `json:"mode"`
	AcceleratorAvailable bool   `json:"acceleratorAvailable"`
	MemoryLimit          uint64 `json:"memoryLimit"`
}

// SetModePayload selects a processing mode.
type SetModePayload struct {
	Mode string `json:"mode"`
}

// ModeResult confirms the active processing mode.
type ModeResult struct {
	Mode string `json:"mode"`
}

// CleanupPayload is the optional body of a memory-cleanup request.
// ReduceCache, when positive, shrinks the result cache to that capacity.
type CleanupPayload struct {
	ReduceCache int `json:"reduceCache,omitempty"`
}

// CleanupResult reports what a memory-cleanup request did.
type CleanupResult struct {
	Cleared       int    `json:"cleared"`
	CacheCapacity int    `json:"cacheCapacity"`
	WasFlagged    bool   `json:"wasFlagged"`
	HeapUsed      uint64 `json:"heapUsed"`
}

// StatusResult is the unit's self-report.
type StatusResult struct {
	Mode                 string `json:"mode"`
	AcceleratorAvailable bool   `json:"acceleratorAvailable"`
	AcceleratorErrors    uint64 `json:"acceleratorErrors"`
	MemoryCeiling        uint64 `json:"memoryCeiling"`
	HeapUsed             uint64 `json:"heapUsed"`
	CacheLen             int    `json:"cacheLen"`
	CacheCapacity        int    `json:"cacheCapacity"`
	GCCount              int    `json:"gcCount"`
	NeedsCleanup         bool   `json:"needsCleanup"`
	Handled              uint64 `json:"handled"`
}
