package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/sleepstars/unigate/internal/errs"
)

// Message roles accepted at ingress.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishStop is the finish reason reported when a backend completes normally.
const FinishStop = "stop"

// ChatCompletionRequest represents an incoming chat completion request.
// Optional sampling parameters are pointers so an unset field can be told
// apart from an explicit zero.
type ChatCompletionRequest struct {
	Model            string                  `json:"model" binding:"required"`
	Messages         []ChatCompletionMessage `json:"messages" binding:"required"`
	Temperature      *float32                `json:"temperature,omitempty"`
	MaxTokens        *int                    `json:"max_tokens,omitempty"`
	TopP             *float32                `json:"top_p,omitempty"`
	FrequencyPenalty *float32                `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32                `json:"presence_penalty,omitempty"`
	Stream           bool                    `json:"stream,omitempty"`
	RequestID        string                  `json:"-"`
}

// ChatCompletionMessage represents a message in the chat
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the request shape before any backend is contacted.
// Roles and content are passed through verbatim; backends judge them.
func (r *ChatCompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &errs.ValidationError{Field: "model", Reason: "is required"}
	}
	if len(r.Messages) == 0 {
		return &errs.ValidationError{Field: "messages", Reason: "must contain at least one message"}
	}
	return nil
}

// Usage is token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage is the only way usage is built; totals reported by backends are
// ignored and recomputed.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// ChatCompletionChoice represents a completion choice
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason *string               `json:"finish_reason"`
}

// ChatCompletionResponse represents the response from the chat completion API
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChatCompletionDelta is the incremental message carried by a chunk.
type ChatCompletionDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streaming chunk.
type ChunkChoice struct {
	Index        int                 `json:"index"`
	Delta        ChatCompletionDelta `json:"delta"`
	FinishReason *string             `json:"finish_reason"`
}

// ChatCompletionChunk is a single server-sent event payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Finish returns a pointer to reason for the nullable finish_reason fields.
func Finish(reason string) *string {
	return &reason
}

// NewCompletionID returns a fresh identifier in the chatcmpl-<hex> form.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID returns a sortable identifier for correlating log lines.
func NewRequestID() string {
	return ulid.Make().String()
}

// Now is the creation timestamp used on responses.
func Now() int64 {
	return time.Now().Unix()
}

// BaseName strips the tag suffix from a model identifier ("llama3:8b" -> "llama3").
func BaseName(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i]
	}
	return id
}
