package clients

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sleepstars/unigate/internal/errs"
)

// PoolConfig sizes the outbound connection pool.
type PoolConfig struct {
	MaxConnsPerHost int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	DialTimeout     time.Duration
}

const (
	defaultMaxConnsPerHost = 100
	defaultMaxIdleConns    = 20
	defaultIdleConnTimeout = 90 * time.Second
	defaultDialTimeout     = 10 * time.Second
)

// NewTransport creates the pooled transport shared by both backends.
// No response-header timeout is set here; each call bounds its own wait.
func NewTransport(pool PoolConfig) *http.Transport {
	maxConns := pool.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = defaultMaxConnsPerHost
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	idle := pool.IdleConnTimeout
	if idle <= 0 {
		idle = defaultIdleConnTimeout
	}
	dial := pool.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     idle,
		ForceAttemptHTTP2:   true,
	}
}

// headerTransport adds fixed headers to every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		if req.Header.Get(k) == "" {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	return t.base.RoundTrip(req)
}

// statusTransport fails non-2xx responses with an UpstreamError that keeps
// the backend's own body, so callers decoding only success payloads never
// see an error body.
type statusTransport struct {
	base    http.RoundTripper
	backend string
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(t.backend, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into an UpstreamError, consuming and
// closing the body.
func checkStatus(backend string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &errs.UpstreamError{Backend: backend, StatusCode: resp.StatusCode, Body: string(body)}
}

// openStream sends req and waits at most timeout for response headers. The
// returned body stays tied to ctx; closing it releases the request.
func openStream(ctx context.Context, client *http.Client, req *http.Request, backend string, timeout time.Duration) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	var expired atomic.Bool
	stop := func() bool { return false }
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			expired.Store(true)
			cancel()
		})
		stop = timer.Stop
	}

	resp, err := client.Do(req.WithContext(ctx))
	stop()
	if err != nil {
		cancel()
		if expired.Load() {
			err = fmt.Errorf("no response headers within %s: %w", timeout, context.DeadlineExceeded)
		}
		return nil, &errs.TransportFault{Backend: backend, Err: err}
	}
	if err := checkStatus(backend, resp); err != nil {
		cancel()
		return nil, err
	}
	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
