// Package translator converts between the canonical chat-completion shape
// and the wire formats of the local runtime and the cloud provider. All
// functions are pure.
package translator

import (
	"github.com/sleepstars/unigate/internal/models"
)

// LocalMessage is a chat message as the local runtime expects it.
type LocalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LocalOptions holds the sampling options understood by the local runtime.
type LocalOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

// LocalChatRequest is the body of POST /api/chat.
type LocalChatRequest struct {
	Model    string         `json:"model"`
	Messages []LocalMessage `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *LocalOptions  `json:"options,omitempty"`
}

// LocalChatResponse is a complete response or one NDJSON stream line.
type LocalChatResponse struct {
	Model           string       `json:"model"`
	CreatedAt       string       `json:"created_at,omitempty"`
	Message         LocalMessage `json:"message"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// LocalModelDetails describes an installed model.
type LocalModelDetails struct {
	Format            string `json:"format,omitempty"`
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// LocalModel is one entry of GET /api/tags.
type LocalModel struct {
	Name       string            `json:"name"`
	Model      string            `json:"model,omitempty"`
	ModifiedAt string            `json:"modified_at,omitempty"`
	Size       int64             `json:"size,omitempty"`
	Digest     string            `json:"digest,omitempty"`
	Details    LocalModelDetails `json:"details"`
}

// LocalTagsResponse is the body of GET /api/tags.
type LocalTagsResponse struct {
	Models []LocalModel `json:"models"`
}

// ToLocal converts a canonical request for the local runtime. The model tag
// is stripped and options only carry the fields the caller set.
func ToLocal(req *models.ChatCompletionRequest) *LocalChatRequest {
	out := &LocalChatRequest{
		Model:    models.BaseName(req.Model),
		Messages: make([]LocalMessage, len(req.Messages)),
		Stream:   req.Stream,
	}
	for i, m := range req.Messages {
		out.Messages[i] = LocalMessage{Role: m.Role, Content: m.Content}
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil {
		out.Options = &LocalOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
		}
	}
	return out
}

// FromLocal converts a complete local response. model is the identifier the
// client asked for, which is echoed back.
func FromLocal(resp *LocalChatResponse, model string) *models.ChatCompletionResponse {
	var finish *string
	if resp.Done {
		finish = models.Finish(models.FinishStop)
	}

	return &models.ChatCompletionResponse{
		ID:      models.NewCompletionID(),
		Object:  "chat.completion",
		Created: models.Now(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{
			{
				Index: 0,
				Message: models.ChatCompletionMessage{
					Role:    models.RoleAssistant,
					Content: resp.Message.Content,
				},
				FinishReason: finish,
			},
		},
		Usage: models.NewUsage(resp.PromptEvalCount, resp.EvalCount),
	}
}

// LocalModelInfo describes an installed model for the listing endpoint.
// The ID is the base name, so tagged variants of one model share it.
func LocalModelInfo(m LocalModel) models.ModelInfo {
	desc := "Local model"
	if m.Details.ParameterSize != "" {
		desc += " (" + m.Details.ParameterSize + ")"
	}
	return models.ModelInfo{
		ID:          models.BaseName(m.Name),
		Object:      "model",
		Name:        m.Name,
		Description: desc,
		OwnedBy:     "local",
		Backend:     string(models.BackendLocal),
	}
}
