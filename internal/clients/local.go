package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/translator"
)

// LocalClient implements LocalRuntime over the Ollama HTTP API.
type LocalClient struct {
	config ModelClientConfig
	client *http.Client
}

// NewLocalClient creates a new local runtime client
func NewLocalClient(config ModelClientConfig) *LocalClient {
	return &LocalClient{
		config: config,
		client: &http.Client{Transport: config.transport()},
	}
}

func (c *LocalClient) url(path string) string {
	return strings.TrimRight(c.config.APIBase, "/") + path
}

func (c *LocalClient) ListModels(ctx context.Context) ([]translator.LocalModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/tags"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &errs.TransportFault{Backend: backendLocal, Err: err}
	}
	if err := checkStatus(backendLocal, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tags translator.LocalTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &errs.TransportFault{Backend: backendLocal, Err: fmt.Errorf("decode tags: %w", err)}
	}
	return tags.Models, nil
}

func (c *LocalClient) Chat(ctx context.Context, req *translator.LocalChatRequest) (*translator.LocalChatResponse, error) {
	out := *req
	out.Stream = false
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &errs.TransportFault{Backend: backendLocal, Err: err}
	}
	if err := checkStatus(backendLocal, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result translator.LocalChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &errs.TransportFault{Backend: backendLocal, Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Error != "" {
		return nil, &errs.UpstreamError{Backend: backendLocal, StatusCode: http.StatusBadGateway, Body: result.Error}
	}
	return &result, nil
}

func (c *LocalClient) ChatStream(ctx context.Context, req *translator.LocalChatRequest) (io.ReadCloser, error) {
	out := *req
	out.Stream = true
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	return openStream(ctx, c.client, httpReq, backendLocal, c.config.Timeout)
}

// Ping checks that the runtime answers its model listing.
func (c *LocalClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/tags"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &errs.TransportFault{Backend: backendLocal, Err: err}
	}
	if err := checkStatus(backendLocal, resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

var _ LocalRuntime = (*LocalClient)(nil)
