package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/relay"
	"github.com/sleepstars/unigate/internal/translator"
)

const (
	headerBackend  = "X-Gateway-Backend"
	headerFallback = "X-Gateway-Fallback"
)

func (s *Server) abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errs.HTTPStatus(err), errs.Envelope(err))
}

func setRoutingHeaders(c *gin.Context, backend, fallbackFrom models.Backend) {
	c.Header(headerBackend, string(backend))
	if fallbackFrom != "" {
		c.Header(headerFallback, string(fallbackFrom)+"->"+string(backend))
	}
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var override models.Backend
	if q := c.Query("backend"); q != "" {
		b, err := models.ParseBackend(q)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		override = b
	}

	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, &errs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	req.RequestID = c.GetString(requestIDKey)

	if req.Stream {
		s.streamCompletion(c, &req, override)
		return
	}

	res, err := s.deps.Gateway.Complete(c.Request.Context(), &req, override)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	setRoutingHeaders(c, res.Backend, res.FallbackFrom)
	c.JSON(http.StatusOK, res.Response)
}

// streamCompletion writes SSE frames as they arrive. Errors before the
// first frame are plain JSON error responses; later ones become an error
// frame followed by the termination marker.
func (s *Server) streamCompletion(c *gin.Context, req *models.ChatCompletionRequest, override models.Backend) {
	res, err := s.deps.Gateway.Stream(c.Request.Context(), req, override)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	setRoutingHeaders(c, res.Backend, res.FallbackFrom)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-res.Events
		if !ok {
			return false
		}
		if _, err := w.Write(relay.Frame(ev)); err != nil {
			return false
		}
		if ev.Type == models.EventError {
			s.logger.WithError(ev.Err).Warn("stream ended with error", "request_id", req.RequestID)
			_, _ = w.Write(relay.Frame(models.StreamEvent{Type: models.EventDone}))
			return false
		}
		return true
	})
}

func (s *Server) handleModels(c *gin.Context) {
	scope := strings.ToLower(c.DefaultQuery("backend", "all"))
	if scope != "all" && scope != "local" && scope != "cloud" {
		s.abortWithError(c, &errs.ValidationError{Field: "backend", Reason: "must be one of local, cloud, all"})
		return
	}
	ctx := c.Request.Context()
	data := make([]models.ModelInfo, 0)

	if scope != "cloud" {
		if err := s.deps.Catalog.Refresh(ctx); err != nil {
			s.logger.WithError(err).Warn("failed to refresh local models")
		}
		seen := make(map[string]bool)
		for _, e := range s.deps.Catalog.Entries() {
			info := translator.LocalModelInfo(e.Descriptor)
			if seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			data = append(data, info)
		}
	}

	if scope != "local" && s.deps.Backends.CloudConfigured() {
		list, err := s.deps.Backends.ListCloudModels(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("failed to list cloud models")
		}
		for _, m := range list {
			data = append(data, translator.CloudModelInfo(m))
		}
	}

	c.JSON(http.StatusOK, models.ModelList{Object: "list", Data: data})
}

func (s *Server) handleHealth(c *gin.Context) {
	timeout := s.cfg.Server.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	local := "available"
	if err := s.deps.Backends.PingLocal(ctx); err != nil {
		local = "unavailable"
	}
	cloud := "not_configured"
	if s.deps.Backends.CloudConfigured() {
		cloud = "configured"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"backends": gin.H{
			"local": local,
			"cloud": cloud,
		},
		"circuit_breakers": s.deps.Backends.BreakerStates(),
	})
}

func (s *Server) handleRoot(c *gin.Context) {
	cloud := "not_configured"
	if s.deps.Backends.CloudConfigured() {
		cloud = "configured"
	}
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": Version,
		"status":  "running",
		"backends": gin.H{
			"local": s.cfg.Local.URL,
			"cloud": cloud,
		},
		"endpoints": gin.H{
			"chat":    "/v1/chat/completions",
			"models":  "/v1/models",
			"health":  "/health",
			"metrics": "/metrics",
		},
	})
}
