package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleepstars/unigate/internal/errs"
)

func newCloudServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *CloudClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewCloudClient(ModelClientConfig{
		APIBase: server.URL + "/api/v1",
		APIKey:  "sk-test",
		Timeout: time.Second,
		Referer: "http://localhost:8192",
		Title:   "AI Inference Proxy",
	})
	return server, client
}

func TestCloudClient_Chat(t *testing.T) {
	_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "http://localhost:8192", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "AI Inference Proxy", r.Header.Get("X-Title"))

		var reqMap map[string]any
		err := json.NewDecoder(r.Body).Decode(&reqMap)
		assert.NoError(t, err)
		assert.Equal(t, "openai/gpt-4o", reqMap["model"])
		_, hasStream := reqMap["stream"]
		assert.False(t, hasStream)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"gen-1","object":"chat.completion","created":1,"model":"openai/gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	})

	resp, err := client.Chat(context.Background(), openai.ChatCompletionRequest{
		Model:    "openai/gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})

	require.NoError(t, err)
	assert.Equal(t, "gen-1", resp.ID)
	assert.Equal(t, "Hi", resp.Choices[0].Message.Content)
}

func TestCloudClient_ChatUpstreamError(t *testing.T) {
	_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit","code":429}}`))
	})

	_, err := client.Chat(context.Background(), openai.ChatCompletionRequest{
		Model:    "openai/gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})

	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Equal(t, "cloud", ue.Backend)
}

func TestCloudClient_ChatKeepsErrorBody(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{name: "plain text 500", status: http.StatusInternalServerError, contentType: "text/plain", body: "internal failure"},
		{name: "html 503", status: http.StatusServiceUnavailable, contentType: "text/html", body: "<html><body>upstream overloaded</body></html>"},
		{name: "json 400", status: http.StatusBadRequest, contentType: "application/json", body: `{"error":{"message":"bad model","code":400}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Chat(context.Background(), openai.ChatCompletionRequest{
				Model:    "openai/gpt-4o",
				Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
			})

			var ue *errs.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.status, ue.StatusCode)
			assert.Equal(t, tt.body, ue.Body)
			assert.Equal(t, "cloud", ue.Backend)
		})
	}
}

func TestCloudClient_ListModelsKeepsErrorBody(t *testing.T) {
	_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("gateway exploded"))
	})

	_, err := client.ListModels(context.Background())

	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
	assert.Equal(t, "gateway exploded", ue.Body)
}

func TestCloudClient_ChatTransportFault(t *testing.T) {
	server, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.Chat(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	var tf *errs.TransportFault
	assert.ErrorAs(t, err, &tf)
}

func TestCloudClient_NotConfigured(t *testing.T) {
	client := NewCloudClient(ModelClientConfig{APIBase: "openrouter.ai/api/v1"})
	assert.False(t, client.Configured())
	assert.Equal(t, "https://openrouter.ai/api/v1", client.config.APIBase)

	var ce *errs.ConfigurationError
	_, err := client.Chat(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	assert.ErrorAs(t, err, &ce)
	_, err = client.ChatStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	assert.ErrorAs(t, err, &ce)
	_, err = client.ListModels(context.Background())
	assert.ErrorAs(t, err, &ce)
}

func TestCloudClient_ChatStream(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n: keep-alive\n\ndata: [DONE]\n\n"
	_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "AI Inference Proxy", r.Header.Get("X-Title"))
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	})

	body, err := client.ChatStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, sse, string(data), "stream must be relayed unchanged")
}

func TestCloudClient_ChatStreamUpstreamError(t *testing.T) {
	_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("provider down"))
	})

	_, err := client.ChatStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
	assert.Equal(t, "provider down", ue.Body)
}

func TestCloudClient_ListModels(t *testing.T) {
	_, client := newCloudServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"openai/gpt-4o","object":"model","owned_by":"openai"}]}`))
	})

	list, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "openai/gpt-4o", list[0].ID)
}

func TestNewTransportDefaults(t *testing.T) {
	tr := NewTransport(PoolConfig{})
	assert.Equal(t, 100, tr.MaxConnsPerHost)
	assert.Equal(t, 20, tr.MaxIdleConns)
	assert.Equal(t, 20, tr.MaxIdleConnsPerHost)

	tr = NewTransport(PoolConfig{MaxConnsPerHost: 8, MaxIdleConns: 4})
	assert.Equal(t, 8, tr.MaxConnsPerHost)
	assert.Equal(t, 4, tr.MaxIdleConnsPerHost)
}
