// Package orchestrator runs one chat completion from backend selection to
// the final outcome, including the single cloud-to-local fallback.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sleepstars/unigate/internal/config"
	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/metrics"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/relay"
	"github.com/sleepstars/unigate/internal/selector"
	"github.com/sleepstars/unigate/internal/tracer"
)

// State is a step of a request's lifecycle.
type State int

const (
	StateSelecting State = iota
	StateDispatching
	StateCompleting
	StateStreaming
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateSelecting:   "selecting",
	StateDispatching: "dispatching",
	StateCompleting:  "completing",
	StateStreaming:   "streaming",
	StateDone:        "done",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Catalog is the part of the local model catalog used to gate fallback.
type Catalog interface {
	ForceRefresh(ctx context.Context) error
	Contains(id string) bool
}

// Selector picks the backend for a request.
type Selector interface {
	Select(ctx context.Context, req *models.ChatCompletionRequest, override models.Backend) selector.Decision
}

// Result is the outcome of a non-streaming request.
type Result struct {
	Response     *models.ChatCompletionResponse
	RequestID    string
	Backend      models.Backend
	Method       string
	FallbackFrom models.Backend
}

// StreamResult is an opened stream. Events is closed after a Done or Error
// event, or when the request context ends.
type StreamResult struct {
	Events       <-chan models.StreamEvent
	RequestID    string
	Backend      models.Backend
	Method       string
	FallbackFrom models.Backend
}

// Orchestrator owns the per-request state machine. It is safe for
// concurrent use; all per-request state lives in an execution.
type Orchestrator struct {
	processors map[models.Backend]processor
	bridge     Bridge
	catalog    Catalog
	selector   Selector
	recorder   *metrics.Recorder
	routing    config.RoutingConfig
	logger     *logger.Logger
}

// New creates an orchestrator. recorder may be nil.
func New(bridge Bridge, catalog Catalog, sel Selector, recorder *metrics.Recorder, routing config.RoutingConfig) *Orchestrator {
	return &Orchestrator{
		processors: map[models.Backend]processor{
			models.BackendLocal: newLocalProcessor(bridge),
			models.BackendCloud: newCloudProcessor(bridge),
		},
		bridge:   bridge,
		catalog:  catalog,
		selector: sel,
		recorder: recorder,
		routing:  routing,
		logger:   logger.GetLogger().WithComponent("orchestrator"),
	}
}

// execution carries the state of one request through the machine.
type execution struct {
	o            *Orchestrator
	req          *models.ChatCompletionRequest
	state        State
	decision     selector.Decision
	backend      models.Backend
	fallbackFrom models.Backend
	fallbackUsed bool
	started      time.Time
	span         trace.Span
	log          *logger.Logger
}

func (o *Orchestrator) newExecution(req *models.ChatCompletionRequest, span trace.Span) *execution {
	if req.RequestID == "" {
		req.RequestID = models.NewRequestID()
	}
	return &execution{
		o:       o,
		req:     req,
		started: time.Now(),
		span:    span,
		log:     o.logger.With("request_id", req.RequestID, "model", req.Model),
	}
}

func (e *execution) transition(next State) {
	e.log.Debug("state transition", "from", e.state.String(), "to", next.String(), "backend", string(e.backend))
	e.state = next
}

// selectBackend runs the Selecting state and rejects cloud choices that
// cannot be served because no credential is configured.
func (e *execution) selectBackend(ctx context.Context, override models.Backend) error {
	e.transition(StateSelecting)
	e.decision = e.o.selector.Select(ctx, e.req, override)
	e.backend = e.decision.Backend
	e.span.SetAttributes(
		tracer.StringAttr("gateway.backend.selected", string(e.backend)),
		tracer.StringAttr("gateway.selection.method", e.decision.Method),
	)

	if e.backend != models.BackendCloud || e.o.bridge.CloudConfigured() {
		return nil
	}
	if e.decision.Auto() {
		return &errs.NotFoundError{Model: e.req.Model, Reason: "not found locally and cloud not configured"}
	}
	return errCloudNotConfigured()
}

// fallback decides whether err on the current backend earns the single
// retry against the local runtime, and if so moves the execution there.
func (e *execution) fallback(ctx context.Context, err error) bool {
	if e.fallbackUsed || !e.decision.Auto() || e.backend != models.BackendCloud {
		return false
	}
	if !errs.IsRetryable(err) || ctx.Err() != nil {
		return false
	}

	if e.o.routing.VerifyLocalOnFallback {
		if rerr := e.o.catalog.ForceRefresh(ctx); rerr != nil {
			e.log.WithError(rerr).Warn("catalog refresh before fallback failed")
		}
		if !e.o.catalog.Contains(e.req.Model) {
			e.log.Info("skipping fallback, model not available locally")
			return false
		}
	}

	e.fallbackUsed = true
	e.fallbackFrom = e.backend
	e.backend = models.BackendLocal
	e.o.recorder.ObserveFallback(e.fallbackFrom, e.backend)
	e.span.SetAttributes(tracer.BoolAttr("gateway.fallback", true))
	e.log.WithError(err).Warn("falling back to local runtime", "from", string(e.fallbackFrom))
	return true
}

func (e *execution) fail(err error) error {
	e.transition(StateFailed)
	status := metrics.StatusError
	if errors.Is(err, context.Canceled) {
		status = metrics.StatusCancelled
	}
	if e.backend != "" {
		e.o.recorder.ObserveRequest(e.backend, e.req.Model, status, time.Since(e.started))
	}
	tracer.RecordError(e.span, err)
	e.log.WithError(err).Error("request failed",
		"backend", string(e.backend),
		"status", errs.HTTPStatus(err),
		"duration_ms", time.Since(e.started).Milliseconds())
	return err
}

func (e *execution) done(usage models.Usage) {
	e.transition(StateDone)
	elapsed := time.Since(e.started)
	e.o.recorder.ObserveTokens(e.backend, e.req.Model, usage)
	e.o.recorder.ObserveRequest(e.backend, e.req.Model, metrics.StatusSuccess, elapsed)
	e.span.SetAttributes(
		tracer.StringAttr("gateway.backend", string(e.backend)),
		tracer.IntAttr("gateway.tokens.total", usage.TotalTokens),
	)
	tracer.SetOK(e.span)
	e.log.Info("request completed",
		"backend", string(e.backend),
		"fallback", e.fallbackUsed,
		"total_tokens", usage.TotalTokens,
		"duration_ms", elapsed.Milliseconds())
}

// Complete serves a non-streaming request.
func (o *Orchestrator) Complete(ctx context.Context, req *models.ChatCompletionRequest, override models.Backend) (*Result, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.complete")
	defer span.End()

	e := o.newExecution(req, span)
	if err := req.Validate(); err != nil {
		return nil, e.fail(err)
	}
	if err := e.selectBackend(ctx, override); err != nil {
		return nil, e.fail(err)
	}

	for {
		e.transition(StateDispatching)
		p := o.processors[e.backend]

		e.transition(StateCompleting)
		resp, err := p.Complete(ctx, req)
		if err == nil {
			e.done(resp.Usage)
			return &Result{
				Response:     resp,
				RequestID:    req.RequestID,
				Backend:      e.backend,
				Method:       e.decision.Method,
				FallbackFrom: e.fallbackFrom,
			}, nil
		}
		if e.fallback(ctx, err) {
			continue
		}
		return nil, e.fail(err)
	}
}

// Stream opens a streaming request. Fallback is only possible while the
// stream is being opened; failures after that arrive as an Error event.
func (o *Orchestrator) Stream(ctx context.Context, req *models.ChatCompletionRequest, override models.Backend) (*StreamResult, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.stream")

	e := o.newExecution(req, span)
	if err := req.Validate(); err != nil {
		defer span.End()
		return nil, e.fail(err)
	}
	if err := e.selectBackend(ctx, override); err != nil {
		defer span.End()
		return nil, e.fail(err)
	}

	opts := relay.Options{ID: models.NewCompletionID(), Model: req.Model, Created: models.Now()}
	for {
		e.transition(StateDispatching)
		p := o.processors[e.backend]

		events, err := p.OpenStream(ctx, req, opts)
		if err == nil {
			e.transition(StateStreaming)
			return &StreamResult{
				Events:       e.forward(ctx, events),
				RequestID:    req.RequestID,
				Backend:      e.backend,
				Method:       e.decision.Method,
				FallbackFrom: e.fallbackFrom,
			}, nil
		}
		if e.fallback(ctx, err) {
			continue
		}
		defer span.End()
		return nil, e.fail(err)
	}
}

// forward hands events to the caller and settles the outcome when the
// relay finishes.
func (e *execution) forward(ctx context.Context, events <-chan models.StreamEvent) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent)

	go func() {
		defer close(out)
		defer e.span.End()

		var (
			usage   models.Usage
			failure error
		)
		for ev := range events {
			switch ev.Type {
			case models.EventTerminal:
				usage = ev.Usage
			case models.EventRaw:
				if ev.Usage != (models.Usage{}) {
					usage = ev.Usage
				}
			case models.EventError:
				failure = ev.Err
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		switch {
		case failure != nil:
			e.fail(failure)
		case ctx.Err() != nil:
			e.fail(ctx.Err())
		default:
			e.done(usage)
		}
	}()

	return out
}
