package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/errs"
)

// CloudClient implements CloudProvider for OpenRouter and other
// OpenAI-compatible providers.
type CloudClient struct {
	config ModelClientConfig
	client *openai.Client
	http   *http.Client
}

// NewCloudClient creates a new cloud provider client
func NewCloudClient(config ModelClientConfig) *CloudClient {
	config.APIBase = strings.TrimRight(config.APIBase, "/")
	if !strings.HasPrefix(config.APIBase, "http://") && !strings.HasPrefix(config.APIBase, "https://") {
		config.APIBase = "https://" + config.APIBase
	}

	headers := http.Header{}
	if config.Referer != "" {
		headers.Set("HTTP-Referer", config.Referer)
	}
	if config.Title != "" {
		headers.Set("X-Title", config.Title)
	}
	withHeaders := &headerTransport{base: config.transport(), headers: headers}
	httpClient := &http.Client{Transport: withHeaders}

	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = config.APIBase
	clientConfig.HTTPClient = &http.Client{
		Transport: &statusTransport{base: withHeaders, backend: backendCloud},
	}

	return &CloudClient{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		http:   httpClient,
	}
}

// Configured reports whether an API key is present.
func (c *CloudClient) Configured() bool {
	return strings.TrimSpace(c.config.APIKey) != ""
}

func (c *CloudClient) notConfigured() error {
	return &errs.ConfigurationError{Setting: "OPENROUTER_API_KEY", Reason: "is not set"}
}

func (c *CloudClient) Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if !c.Configured() {
		return openai.ChatCompletionResponse{}, c.notConfigured()
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req.Stream = false
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionResponse{}, mapCloudError(err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionResponse{}, &errs.TransportFault{Backend: backendCloud, Err: errors.New("no choices in response")}
	}
	return resp, nil
}

// ChatStream posts the request itself so the SSE body can be relayed
// byte-for-byte instead of being re-encoded by the SDK stream reader.
func (c *CloudClient) ChatStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error) {
	if !c.Configured() {
		return nil, c.notConfigured()
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	return openStream(ctx, c.http, httpReq, backendCloud, c.config.Timeout)
}

func (c *CloudClient) ListModels(ctx context.Context) ([]openai.Model, error) {
	if !c.Configured() {
		return nil, c.notConfigured()
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, mapCloudError(err)
	}
	return list.Models, nil
}

// mapCloudError classifies SDK errors: anything carrying an HTTP status is
// an upstream error, the rest never reached a usable response.
func mapCloudError(err error) error {
	var ue *errs.UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &errs.UpstreamError{Backend: backendCloud, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &errs.UpstreamError{Backend: backendCloud, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return &errs.TransportFault{Backend: backendCloud, Err: err}
}

var _ CloudProvider = (*CloudClient)(nil)
