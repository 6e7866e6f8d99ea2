package mocks

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/translator"
)

// MockLocalRuntime implements clients.LocalRuntime for testing
type MockLocalRuntime struct {
	ListModelsFunc func(ctx context.Context) ([]translator.LocalModel, error)
	ChatFunc       func(ctx context.Context, req *translator.LocalChatRequest) (*translator.LocalChatResponse, error)
	ChatStreamFunc func(ctx context.Context, req *translator.LocalChatRequest) (io.ReadCloser, error)
	PingFunc       func(ctx context.Context) error

	ListCalls atomic.Int32
	ChatCalls atomic.Int32
}

func (m *MockLocalRuntime) ListModels(ctx context.Context) ([]translator.LocalModel, error) {
	m.ListCalls.Add(1)
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return nil, nil
}

func (m *MockLocalRuntime) Chat(ctx context.Context, req *translator.LocalChatRequest) (*translator.LocalChatResponse, error) {
	m.ChatCalls.Add(1)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return &translator.LocalChatResponse{Model: req.Model, Done: true}, nil
}

func (m *MockLocalRuntime) ChatStream(ctx context.Context, req *translator.LocalChatRequest) (io.ReadCloser, error) {
	m.ChatCalls.Add(1)
	if m.ChatStreamFunc != nil {
		return m.ChatStreamFunc(ctx, req)
	}
	return io.NopCloser(strings.NewReader("{\"done\":true}\n")), nil
}

func (m *MockLocalRuntime) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// MockCloudProvider implements clients.CloudProvider for testing
type MockCloudProvider struct {
	ChatFunc       func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ChatStreamFunc func(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error)
	ListModelsFunc func(ctx context.Context) ([]openai.Model, error)
	NotConfigured  bool

	ChatCalls atomic.Int32
}

func (m *MockCloudProvider) Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.ChatCalls.Add(1)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return openai.ChatCompletionResponse{Model: req.Model}, nil
}

func (m *MockCloudProvider) ChatStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error) {
	m.ChatCalls.Add(1)
	if m.ChatStreamFunc != nil {
		return m.ChatStreamFunc(ctx, req)
	}
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

func (m *MockCloudProvider) ListModels(ctx context.Context) ([]openai.Model, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return nil, nil
}

func (m *MockCloudProvider) Configured() bool {
	return !m.NotConfigured
}

// Models builds a tags listing from model names.
func Models(names ...string) []translator.LocalModel {
	out := make([]translator.LocalModel, len(names))
	for i, n := range names {
		out[i] = translator.LocalModel{Name: n, Model: n}
	}
	return out
}
