package orchestrator

import (
	"context"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/relay"
	"github.com/sleepstars/unigate/internal/translator"
)

// Bridge is the backend access the orchestrator needs.
type Bridge interface {
	CallLocal(ctx context.Context, req *translator.LocalChatRequest) (*translator.LocalChatResponse, error)
	CallCloud(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	OpenLocalStream(ctx context.Context, req *translator.LocalChatRequest) (io.ReadCloser, error)
	OpenCloudStream(ctx context.Context, req openai.ChatCompletionRequest) (io.ReadCloser, error)
	CloudConfigured() bool
}

// processor serves one request against a single backend.
type processor interface {
	Backend() models.Backend
	Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	OpenStream(ctx context.Context, req *models.ChatCompletionRequest, opts relay.Options) (<-chan models.StreamEvent, error)
}

// LocalProcessor sends requests to the local runtime.
type LocalProcessor struct {
	bridge Bridge
	logger *logger.Logger
}

func newLocalProcessor(bridge Bridge) *LocalProcessor {
	return &LocalProcessor{
		bridge: bridge,
		logger: logger.GetLogger().WithComponent("local_processor"),
	}
}

func (p *LocalProcessor) Backend() models.Backend { return models.BackendLocal }

func (p *LocalProcessor) Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	out := translator.ToLocal(req)
	out.Stream = false

	p.logger.Debug("calling local runtime", "model", out.Model, "request_id", req.RequestID)
	resp, err := p.bridge.CallLocal(ctx, out)
	if err != nil {
		return nil, err
	}
	return translator.FromLocal(resp, req.Model), nil
}

func (p *LocalProcessor) OpenStream(ctx context.Context, req *models.ChatCompletionRequest, opts relay.Options) (<-chan models.StreamEvent, error) {
	out := translator.ToLocal(req)
	out.Stream = true

	p.logger.Debug("opening local stream", "model", out.Model, "request_id", req.RequestID)
	body, err := p.bridge.OpenLocalStream(ctx, out)
	if err != nil {
		return nil, err
	}
	return relay.Local(ctx, body, opts), nil
}

// CloudProcessor sends requests to the cloud provider.
type CloudProcessor struct {
	bridge Bridge
	logger *logger.Logger
}

func newCloudProcessor(bridge Bridge) *CloudProcessor {
	return &CloudProcessor{
		bridge: bridge,
		logger: logger.GetLogger().WithComponent("cloud_processor"),
	}
}

func (p *CloudProcessor) Backend() models.Backend { return models.BackendCloud }

func (p *CloudProcessor) Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	out := translator.ToCloud(req)
	out.Stream = false

	p.logger.Debug("calling cloud provider", "model", out.Model, "request_id", req.RequestID)
	resp, err := p.bridge.CallCloud(ctx, out)
	if err != nil {
		return nil, err
	}
	return translator.FromCloud(resp), nil
}

func (p *CloudProcessor) OpenStream(ctx context.Context, req *models.ChatCompletionRequest, _ relay.Options) (<-chan models.StreamEvent, error) {
	out := translator.ToCloud(req)
	out.Stream = true

	p.logger.Debug("opening cloud stream", "model", out.Model, "request_id", req.RequestID)
	body, err := p.bridge.OpenCloudStream(ctx, out)
	if err != nil {
		return nil, err
	}
	return relay.Passthrough(ctx, body, string(models.BackendCloud)), nil
}

// errCloudNotConfigured is returned for an explicit cloud request when no
// credential is set.
func errCloudNotConfigured() error {
	return &errs.ConfigurationError{Setting: "OPENROUTER_API_KEY", Reason: "is not set"}
}
