package models

import (
	"strings"

	"github.com/sleepstars/unigate/internal/errs"
)

// Backend identifies where a request is served.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendCloud Backend = "cloud"
	BackendAuto  Backend = "auto"
)

// ParseBackend accepts local, cloud or auto, case-insensitively.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendLocal, BackendCloud, BackendAuto:
		return b, nil
	default:
		return "", &errs.ValidationError{Field: "backend", Reason: "must be one of local, cloud, auto"}
	}
}

func (b Backend) String() string { return string(b) }

// ModelInfo is one entry of the model listing endpoint.
type ModelInfo struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Created       int64  `json:"created,omitempty"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	OwnedBy       string `json:"owned_by"`
	Backend       string `json:"backend"`
}

// ModelList is the OpenAI list envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// EventType discriminates StreamEvent.
type EventType int

const (
	// EventDelta carries newly generated text.
	EventDelta EventType = iota
	// EventTerminal carries the finish reason and final usage.
	EventTerminal
	// EventDone marks the end of the stream.
	EventDone
	// EventRaw carries upstream bytes forwarded unchanged.
	EventRaw
	// EventError reports a failure after streaming began.
	EventError
)

// StreamEvent is one item of a relayed stream. A terminal event is always
// followed by exactly one done event and nothing else.
type StreamEvent struct {
	Type         EventType
	ID           string
	Model        string
	Created      int64
	Content      string
	FinishReason string
	Usage        Usage
	Raw          []byte
	Err          error
}
