// Package errs defines the failure kinds the gateway distinguishes and how
// each one is reported to API clients.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error type strings used in the OpenAI-style error envelope.
const (
	TypeUpstream      = "upstream_error"
	TypeTransport     = "transport_error"
	TypeConfiguration = "configuration_error"
	TypeValidation    = "invalid_request_error"
	TypeNotFound      = "not_found_error"
	TypeStream        = "stream_error"
	TypeRateLimit     = "rate_limit_error"
	TypeInternal      = "internal_error"
)

// UpstreamError is a non-success HTTP status returned by a backend.
type UpstreamError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s backend returned status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("%s backend returned status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// TransportFault covers connection failures, timeouts and undecodable
// backend responses.
type TransportFault struct {
	Backend string
	Err     error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("%s backend unreachable: %v", e.Backend, e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

// ConfigurationError means the gateway cannot serve the request as configured.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}

// ValidationError rejects a request before any backend is contacted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// NotFoundError reports a model that no reachable backend can serve.
type NotFoundError struct {
	Model  string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("model %q not found", e.Model)
	}
	return fmt.Sprintf("model %q not found: %s", e.Model, e.Reason)
}

// PartialStreamError is a failure after streaming output has started.
type PartialStreamError struct {
	Backend string
	Err     error
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("%s stream interrupted: %v", e.Backend, e.Err)
}

func (e *PartialStreamError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried once against another
// backend: upstream statuses and transport faults qualify, nothing else does.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	var tf *TransportFault
	return errors.As(err, &ue) || errors.As(err, &tf)
}

// IsServerSide reports whether err indicates an unhealthy backend, as opposed
// to a request the backend rejected.
func IsServerSide(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= http.StatusInternalServerError || ue.StatusCode == http.StatusTooManyRequests
	}
	var tf *TransportFault
	return errors.As(err, &tf)
}

// HTTPStatus maps err to the status code returned to the client.
func HTTPStatus(err error) int {
	var (
		ue *UpstreamError
		tf *TransportFault
		ce *ConfigurationError
		ve *ValidationError
		nf *NotFoundError
		ps *PartialStreamError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusInternalServerError
	case errors.As(err, &ue):
		if ue.StatusCode < 400 {
			return http.StatusBadGateway
		}
		return ue.StatusCode
	case errors.As(err, &tf):
		if errors.Is(tf.Err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &ps):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Type returns the envelope type string for err.
func Type(err error) string {
	var (
		ue *UpstreamError
		tf *TransportFault
		ce *ConfigurationError
		ve *ValidationError
		nf *NotFoundError
		ps *PartialStreamError
	)
	switch {
	case errors.As(err, &ve):
		return TypeValidation
	case errors.As(err, &nf):
		return TypeNotFound
	case errors.As(err, &ce):
		return TypeConfiguration
	case errors.As(err, &ue):
		return TypeUpstream
	case errors.As(err, &tf):
		return TypeTransport
	case errors.As(err, &ps):
		return TypeStream
	default:
		return TypeInternal
	}
}

// Body is the OpenAI-compatible error envelope.
type Body struct {
	Error Detail `json:"error"`
}

// Detail is the inner object of Body.
type Detail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// Envelope builds the client-facing error body for err.
func Envelope(err error) Body {
	return Body{Error: Detail{Message: err.Error(), Type: Type(err), Code: HTTPStatus(err)}}
}
