// Package relay turns backend response streams into ordered StreamEvents
// without buffering the whole response.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/translator"
)

const maxLineSize = 1 << 20

var errNoCompletion = errors.New("stream ended before completion")

// Options identify the relayed completion in emitted chunks.
type Options struct {
	ID      string
	Model   string
	Created int64
}

type textMode int

const (
	modeUnknown textMode = iota
	modeCumulative
	modeIncremental
)

// deltaTracker computes what is new in each local stream line. Some
// runtimes resend the full text so far, others send only the new fragment.
// A second line that extends the first fits both readings, so it is held
// until the third line shows which one applies. A cumulative stream whose
// line stops extending the text is read as fragments from then on.
type deltaTracker struct {
	emitted string
	pending string
	mode    textMode
}

// next returns the deltas released by text, in order.
func (d *deltaTracker) next(text string) []string {
	switch {
	case text == "":
		return nil
	case d.emitted == "":
		d.emitted = text
		return []string{text}
	case d.mode == modeUnknown:
		return d.settle(text)
	case d.mode == modeCumulative:
		return nonEmpty(d.cumulative(text))
	default:
		return nonEmpty(d.fragment(text))
	}
}

func (d *deltaTracker) settle(text string) []string {
	if d.pending == "" {
		if len(text) > len(d.emitted) && strings.HasPrefix(text, d.emitted) {
			d.pending = text
			return nil
		}
		d.mode = modeIncremental
		return nonEmpty(d.fragment(text))
	}

	pending := d.pending
	d.pending = ""
	if strings.HasPrefix(text, pending) {
		d.mode = modeCumulative
		return nonEmpty(d.cumulative(pending), d.cumulative(text))
	}
	d.mode = modeIncremental
	return nonEmpty(d.fragment(pending), d.fragment(text))
}

// flush releases a held line at the end of the stream, read as cumulative
// text.
func (d *deltaTracker) flush() []string {
	if d.pending == "" {
		return nil
	}
	pending := d.pending
	d.pending = ""
	d.mode = modeCumulative
	return nonEmpty(d.cumulative(pending))
}

func (d *deltaTracker) cumulative(text string) string {
	switch {
	case strings.HasPrefix(text, d.emitted):
		delta := text[len(d.emitted):]
		d.emitted = text
		return delta
	case strings.HasPrefix(d.emitted, text):
		return ""
	default:
		d.mode = modeIncremental
		return d.fragment(text)
	}
}

func (d *deltaTracker) fragment(text string) string {
	d.emitted += text
	return text
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Local relays a local runtime NDJSON stream. The channel is closed after a
// Done or Error event, or when ctx is cancelled; body is always closed.
func Local(ctx context.Context, body io.ReadCloser, opts Options) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent)
	log := logger.GetLogger().WithComponent("relay")

	go func() {
		defer close(out)
		defer body.Close()
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		send := func(ev models.StreamEvent) bool {
			ev.ID, ev.Model, ev.Created = opts.ID, opts.Model, opts.Created
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			send(models.StreamEvent{Type: models.EventError, Err: &errs.PartialStreamError{Backend: "local", Err: err}})
		}

		emit := func(deltas []string) bool {
			for _, delta := range deltas {
				if !send(models.StreamEvent{Type: models.EventDelta, Content: delta}) {
					return false
				}
			}
			return true
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		var tracker deltaTracker
		skipped := 0
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk translator.LocalChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				skipped++
				log.Debug("skipping malformed stream line", "model", opts.Model, "error", err.Error())
				continue
			}
			if chunk.Error != "" {
				if !emit(tracker.flush()) {
					return
				}
				fail(&errs.UpstreamError{Backend: "local", StatusCode: http.StatusBadGateway, Body: chunk.Error})
				return
			}

			if !emit(tracker.next(chunk.Message.Content)) {
				return
			}

			if chunk.Done {
				if !emit(tracker.flush()) {
					return
				}
				if !send(models.StreamEvent{
					Type:         models.EventTerminal,
					FinishReason: models.FinishStop,
					Usage:        models.NewUsage(chunk.PromptEvalCount, chunk.EvalCount),
				}) {
					return
				}
				send(models.StreamEvent{Type: models.EventDone})
				if skipped > 0 {
					log.Warn("stream contained malformed lines", "model", opts.Model, "skipped", skipped)
				}
				return
			}
		}

		if ctx.Err() != nil || !emit(tracker.flush()) {
			return
		}
		if err := scanner.Err(); err != nil {
			fail(err)
			return
		}
		fail(errNoCompletion)
	}()

	return out
}

// Passthrough relays an SSE stream that is already in the canonical format,
// line by line and unchanged, including its own [DONE] line. A stream that
// ends without one is reported as an error after everything received has
// been forwarded. Usage reported on a chunk is copied onto its Raw event.
func Passthrough(ctx context.Context, body io.ReadCloser, backend string) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent)

	go func() {
		defer close(out)
		defer body.Close()
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		send := func(ev models.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReaderSize(body, 64*1024)
		sawDone := false
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				if isDoneLine(line) {
					sawDone = true
				}
				ev := models.StreamEvent{Type: models.EventRaw, Raw: line}
				if usage, ok := rawUsage(line); ok {
					ev.Usage = usage
				}
				if !send(ev) {
					return
				}
			}
			if err == nil {
				continue
			}

			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				if sawDone {
					return
				}
				err = errNoCompletion
			}
			send(models.StreamEvent{Type: models.EventError, Err: &errs.PartialStreamError{Backend: backend, Err: err}})
			return
		}
	}()

	return out
}

func isDoneLine(line []byte) bool {
	line = bytes.TrimSpace(line)
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	return ok && bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]"))
}

// rawUsage reads the usage object a provider attaches to a stream chunk.
func rawUsage(line []byte) (models.Usage, bool) {
	data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data:"))
	if !ok || !bytes.Contains(data, []byte(`"usage"`)) {
		return models.Usage{}, false
	}
	var chunk struct {
		Usage *models.Usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil || chunk.Usage == nil {
		return models.Usage{}, false
	}
	return models.NewUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens), true
}
