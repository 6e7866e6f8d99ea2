package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/sleepstars/unigate/internal/config"
	"github.com/sleepstars/unigate/internal/errs"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/models"
)

const (
	headerRequestID = "X-Request-ID"
	requestIDKey    = "request_id"

	limiterIdle = 3 * time.Minute
)

// requestID takes the caller's X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = models.NewRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func requestLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(requestIDKey),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", args...)
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics":
			log.Debug("request", args...)
		default:
			log.Info("request", args...)
		}
	}
}

func corsHandler(cfg config.CORSConfig) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", headerRequestID},
		ExposeHeaders: []string{headerRequestID, headerBackend, headerFallback},
		MaxAge:        12 * time.Hour,
	}

	var origins []string
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o == "*" {
			cc.AllowAllOrigins = true
			origins = nil
			break
		} else if o != "" {
			origins = append(origins, o)
		}
	}
	if !cc.AllowAllOrigins {
		if len(origins) == 0 {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = origins
			cc.AllowCredentials = true
		}
	}
	return cors.New(cc)
}

// ipLimiter is a token bucket per client IP.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*limitedClient
}

type limitedClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rl config.RateLimit) *ipLimiter {
	if !rl.Enabled() {
		return nil
	}
	return &ipLimiter{
		limit:   rate.Limit(rl.PerSecond()),
		burst:   rl.Requests,
		clients: make(map[string]*limitedClient),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		c = &limitedClient{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.limiter.Allow()
}

// cleanup drops clients idle longer than limiterIdle until ctx ends.
func (l *ipLimiter) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > limiterIdle {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errs.Body{Error: errs.Detail{
			Message: "rate limit exceeded",
			Type:    errs.TypeRateLimit,
			Code:    http.StatusTooManyRequests,
		}})
	}
}
