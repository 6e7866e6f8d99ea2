package translator

import (
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/models"
)

// explicitFloat keeps an explicitly-zero sampling value on the wire; the
// go-openai request type drops zero floats via omitempty.
func explicitFloat(v *float32) float32 {
	if v == nil {
		return 0
	}
	if *v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return *v
}

// ToCloud converts a canonical request for the cloud provider. Fields the
// caller did not set stay at their zero value and are omitted.
func ToCloud(req *models.ChatCompletionRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         make([]openai.ChatCompletionMessage, len(req.Messages)),
		Stream:           req.Stream,
		Temperature:      explicitFloat(req.Temperature),
		TopP:             explicitFloat(req.TopP),
		FrequencyPenalty: explicitFloat(req.FrequencyPenalty),
		PresencePenalty:  explicitFloat(req.PresencePenalty),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for i, m := range req.Messages {
		out.Messages[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}
	return out
}

// FromCloud converts a cloud response. Usage is rebuilt from its parts.
func FromCloud(resp openai.ChatCompletionResponse) *models.ChatCompletionResponse {
	out := &models.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]models.ChatCompletionChoice, len(resp.Choices)),
		Usage:   models.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}

	for i, c := range resp.Choices {
		var finish *string
		if c.FinishReason != "" {
			finish = models.Finish(string(c.FinishReason))
		}
		out.Choices[i] = models.ChatCompletionChoice{
			Index: c.Index,
			Message: models.ChatCompletionMessage{
				Role:    c.Message.Role,
				Content: c.Message.Content,
			},
			FinishReason: finish,
		}
	}
	return out
}

// CloudModelInfo describes a cloud model for the listing endpoint.
func CloudModelInfo(m openai.Model) models.ModelInfo {
	return models.ModelInfo{
		ID:      m.ID,
		Object:  "model",
		Created: m.CreatedAt,
		Name:    m.ID,
		OwnedBy: m.OwnedBy,
		Backend: string(models.BackendCloud),
	}
}
