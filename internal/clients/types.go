package clients

import (
	"context"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/translator"
)

// Backend names used in errors and logs.
const (
	backendLocal = "local"
	backendCloud = "cloud"
)

// LocalRuntime is the Ollama-style local model server.
type LocalRuntime interface {
	// ListModels returns the installed models (GET /api/tags).
	ListModels(ctx context.Context) ([]translator.LocalModel, error)

	// Chat sends a non-streaming chat request.
	Chat(ctx context.Context, req *translator.LocalChatRequest) (*translator.LocalChatResponse, error)

	// ChatStream opens a streaming chat request and returns the NDJSON body.
	ChatStream(ctx context.Context, req *translator.LocalChatRequest) (io.ReadCloser, error)

	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// CloudProvider is the OpenAI-compatible hosted provider.
type CloudProvider interface {
	// Chat sends a non-streaming chat completion request.
	Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

	// ChatStream opens a streaming request and returns the SSE body.
	ChatStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error)

	// ListModels returns the provider's model catalog.
	ListModels(ctx context.Context) ([]openai.Model, error)

	// Configured reports whether credentials are present.
	Configured() bool
}

// ModelClientConfig contains configuration for model clients
type ModelClientConfig struct {
	APIBase string
	APIKey  string
	// Timeout bounds a non-streaming call, or the wait for response headers
	// of a streaming call.
	Timeout time.Duration
	// Referer and Title are sent as attribution headers to the cloud provider.
	Referer string
	Title   string
	// Transport is shared between clients; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

func (c ModelClientConfig) transport() http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}
