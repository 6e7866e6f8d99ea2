// Package selector decides which backend serves a request.
package selector

import (
	"context"

	"github.com/sleepstars/unigate/internal/models"
)

// Selection methods recorded alongside a decision.
const (
	MethodManual = "manual"
	MethodAuto   = "auto"
)

// Catalog answers whether the local runtime has a model.
type Catalog interface {
	IsLocallyServable(ctx context.Context, id string) bool
}

// Decision is the outcome of one selection.
type Decision struct {
	Backend models.Backend
	Method  string
}

// Auto reports whether the decision came from the catalog lookup, which is
// the only case where falling back to another backend is allowed.
func (d Decision) Auto() bool { return d.Method == MethodAuto }

// Selector resolves Auto requests against the local catalog.
type Selector struct {
	catalog        Catalog
	defaultBackend models.Backend
	observe        func(Decision)
}

// New creates a selector. defaultBackend applies when a request carries no
// override. observe, if non-nil, sees every decision.
func New(catalog Catalog, defaultBackend models.Backend, observe func(Decision)) *Selector {
	if defaultBackend == "" {
		defaultBackend = models.BackendAuto
	}
	return &Selector{catalog: catalog, defaultBackend: defaultBackend, observe: observe}
}

// Select resolves override for req. An explicit local or cloud choice is
// returned as-is without consulting the catalog.
func (s *Selector) Select(ctx context.Context, req *models.ChatCompletionRequest, override models.Backend) Decision {
	choice := override
	if choice == "" {
		choice = s.defaultBackend
	}

	var d Decision
	switch choice {
	case models.BackendLocal, models.BackendCloud:
		d = Decision{Backend: choice, Method: MethodManual}
	default:
		d = Decision{Backend: models.BackendCloud, Method: MethodAuto}
		if s.catalog.IsLocallyServable(ctx, req.Model) {
			d.Backend = models.BackendLocal
		}
	}

	if s.observe != nil {
		s.observe(d)
	}
	return d
}
