package relay

import (
	"encoding/json"

	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/models"
)

var doneFrame = []byte("data: [DONE]\n\n")

// Frame encodes ev as server-sent event bytes. Raw events are returned
// unchanged.
func Frame(ev models.StreamEvent) []byte {
	switch ev.Type {
	case models.EventRaw:
		return ev.Raw
	case models.EventDone:
		return doneFrame
	case models.EventError:
		return data(errs.Envelope(ev.Err))
	case models.EventTerminal:
		u := ev.Usage
		return data(models.ChatCompletionChunk{
			ID:      ev.ID,
			Object:  "chat.completion.chunk",
			Created: ev.Created,
			Model:   ev.Model,
			Choices: []models.ChunkChoice{{Index: 0, FinishReason: models.Finish(ev.FinishReason)}},
			Usage:   &u,
		})
	default:
		return data(models.ChatCompletionChunk{
			ID:      ev.ID,
			Object:  "chat.completion.chunk",
			Created: ev.Created,
			Model:   ev.Model,
			Choices: []models.ChunkChoice{{Index: 0, Delta: models.ChatCompletionDelta{Content: ev.Content}}},
		})
	}
}

func data(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		payload = []byte(`{"error":{"message":"failed to encode stream chunk","type":"internal_error","code":500}}`)
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	return append(buf, '\n', '\n')
}
