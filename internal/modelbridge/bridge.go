package modelbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"

	"github.com/sleepstars/unigate/internal/clients"
	"github.com/sleepstars/unigate/internal/config"
	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/translator"
)

const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// ModelBridge gives the orchestrator one place to reach both backends.
// Each backend sits behind its own circuit breaker; only transport faults
// and 5xx/429 statuses count against it. Breakers are optional so tests can
// build a bridge from a struct literal.
type ModelBridge struct {
	LocalClient  clients.LocalRuntime
	CloudClient  clients.CloudProvider
	Logger       *logger.Logger
	LocalBreaker *gobreaker.CircuitBreaker[any]
	CloudBreaker *gobreaker.CircuitBreaker[any]
}

// NewModelBridge creates a new model bridge instance
func NewModelBridge(local clients.LocalRuntime, cloud clients.CloudProvider, cb config.CircuitBreakerConfig) *ModelBridge {
	log := logger.GetLogger().WithComponent("model_bridge")
	log.Info("creating model bridge", "cloud_configured", cloud.Configured())

	return &ModelBridge{
		LocalClient:  local,
		CloudClient:  cloud,
		Logger:       log,
		LocalBreaker: newBreaker("local", cb, log),
		CloudBreaker: newBreaker("cloud", cb, log),
	}
}

func newBreaker(name string, cfg config.CircuitBreakerConfig, log *logger.Logger) *gobreaker.CircuitBreaker[any] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !errs.IsServerSide(err)
		},
	})
}

// guard runs fn through cb. An open breaker is reported as a transport
// fault so the orchestrator treats it like an unreachable backend.
func guard[T any](cb *gobreaker.CircuitBreaker[any], backend string, fn func() (T, error)) (T, error) {
	if cb == nil {
		return fn()
	}
	var out T
	_, err := cb.Execute(func() (any, error) {
		v, err := fn()
		out = v
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, &errs.TransportFault{Backend: backend, Err: fmt.Errorf("circuit open: %w", err)}
	}
	return out, err
}

// CallLocal sends a non-streaming request to the local runtime.
func (b *ModelBridge) CallLocal(ctx context.Context, req *translator.LocalChatRequest) (*translator.LocalChatResponse, error) {
	b.Logger.Debug("calling local model", "model", req.Model, "messages", len(req.Messages))

	resp, err := guard(b.LocalBreaker, "local", func() (*translator.LocalChatResponse, error) {
		return b.LocalClient.Chat(ctx, req)
	})
	if err != nil {
		b.Logger.WithError(err).Error("local model call failed", "model", req.Model)
		return nil, err
	}

	b.Logger.Debug("local model call completed", "model", req.Model)
	return resp, nil
}

// CallCloud sends a non-streaming request to the cloud provider.
func (b *ModelBridge) CallCloud(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	b.Logger.Debug("calling cloud model", "model", req.Model, "messages", len(req.Messages))

	resp, err := guard(b.CloudBreaker, "cloud", func() (openai.ChatCompletionResponse, error) {
		return b.CloudClient.Chat(ctx, req)
	})
	if err != nil {
		b.Logger.WithError(err).Error("cloud model call failed", "model", req.Model)
		return openai.ChatCompletionResponse{}, err
	}

	b.Logger.Debug("cloud model call completed", "model", req.Model)
	return resp, nil
}

// OpenLocalStream starts a streaming request to the local runtime. Only
// opening the stream is guarded; failures while reading it are reported by
// the relay.
func (b *ModelBridge) OpenLocalStream(ctx context.Context, req *translator.LocalChatRequest) (io.ReadCloser, error) {
	b.Logger.Debug("starting local stream", "model", req.Model, "messages", len(req.Messages))

	body, err := guard(b.LocalBreaker, "local", func() (io.ReadCloser, error) {
		return b.LocalClient.ChatStream(ctx, req)
	})
	if err != nil {
		b.Logger.WithError(err).Error("failed to start local stream", "model", req.Model)
		return nil, err
	}
	return body, nil
}

// OpenCloudStream starts a streaming request to the cloud provider.
func (b *ModelBridge) OpenCloudStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error) {
	b.Logger.Debug("starting cloud stream", "model", req.Model, "messages", len(req.Messages))

	body, err := guard(b.CloudBreaker, "cloud", func() (io.ReadCloser, error) {
		return b.CloudClient.ChatStream(ctx, req)
	})
	if err != nil {
		b.Logger.WithError(err).Error("failed to start cloud stream", "model", req.Model)
		return nil, err
	}
	return body, nil
}

// CloudConfigured reports whether the cloud backend has credentials.
func (b *ModelBridge) CloudConfigured() bool {
	return b.CloudClient != nil && b.CloudClient.Configured()
}

// ListModels lists installed local models; it lets the bridge back the
// model catalog.
func (b *ModelBridge) ListModels(ctx context.Context) ([]translator.LocalModel, error) {
	return b.LocalClient.ListModels(ctx)
}

// ListCloudModels lists the cloud provider's models.
func (b *ModelBridge) ListCloudModels(ctx context.Context) ([]openai.Model, error) {
	if !b.CloudConfigured() {
		return nil, nil
	}
	return guard(b.CloudBreaker, "cloud", func() ([]openai.Model, error) {
		return b.CloudClient.ListModels(ctx)
	})
}

// PingLocal checks local runtime reachability, bypassing the breaker.
func (b *ModelBridge) PingLocal(ctx context.Context) error {
	return b.LocalClient.Ping(ctx)
}

// BreakerStates reports the state of each configured breaker.
func (b *ModelBridge) BreakerStates() map[string]string {
	states := map[string]string{}
	if b.LocalBreaker != nil {
		states["local"] = b.LocalBreaker.State().String()
	}
	if b.CloudBreaker != nil {
		states["cloud"] = b.CloudBreaker.State().String()
	}
	return states
}
