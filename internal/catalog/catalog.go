// Package catalog caches the set of models the local runtime can serve.
//
// The cache is a snapshot swapped atomically on refresh. At most one fetch
// is in flight at a time and concurrent callers share its outcome. A failed
// fetch leaves the previous snapshot in place.
package catalog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/translator"
)

const (
	defaultTTL          = 60 * time.Second
	defaultFetchTimeout = 10 * time.Second
)

// Lister fetches the installed model list from the local runtime.
type Lister interface {
	ListModels(ctx context.Context) ([]translator.LocalModel, error)
}

// Entry is one installed model.
type Entry struct {
	FullName   string
	BaseName   string
	LastSeen   time.Time
	Descriptor translator.LocalModel
}

type snapshot struct {
	entries   map[string]Entry
	fetchedAt time.Time
}

// Options configures a Catalog.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	// OnRefresh is called with the number of distinct models after each
	// successful refresh.
	OnRefresh func(count int)
	Now       func() time.Time
}

// Catalog is safe for concurrent use.
type Catalog struct {
	lister  Lister
	opts    Options
	logger  *logger.Logger
	group   singleflight.Group
	current atomic.Pointer[snapshot]

	mu      sync.Mutex
	lastErr error
}

// New creates an empty catalog backed by lister.
func New(lister Lister, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Catalog{
		lister: lister,
		opts:   opts,
		logger: logger.GetLogger().WithComponent("catalog"),
	}
	c.current.Store(&snapshot{entries: map[string]Entry{}})
	return c
}

// fresh reports whether the snapshot is non-empty and younger than the TTL.
func (c *Catalog) fresh() bool {
	s := c.current.Load()
	return len(s.entries) > 0 && c.opts.Now().Sub(s.fetchedAt) < c.opts.TTL
}

// Refresh fetches the model list unless the cached one is still fresh.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.fresh() {
		return nil
	}
	return c.ForceRefresh(ctx)
}

// ForceRefresh fetches the model list regardless of cache age, joining any
// fetch already in flight. The fetch itself is detached from ctx so one
// caller giving up does not fail the others; ctx only bounds the wait.
func (c *Catalog) ForceRefresh(ctx context.Context) error {
	ch := c.group.DoChan("tags", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()
		return nil, c.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) fetch(ctx context.Context) error {
	list, err := c.lister.ListModels(ctx)
	if err != nil {
		c.setErr(err)
		c.logger.WithError(err).Warn("model list refresh failed, keeping cached entries",
			"cached", len(c.current.Load().entries))
		return err
	}

	now := c.opts.Now()
	entries := make(map[string]Entry, len(list)*2)
	count := 0
	for _, m := range list {
		if m.Name == "" {
			continue
		}
		count++
		e := Entry{
			FullName:   m.Name,
			BaseName:   models.BaseName(m.Name),
			LastSeen:   now,
			Descriptor: m,
		}
		entries[e.FullName] = e
		entries[e.BaseName] = e
	}

	c.current.Store(&snapshot{entries: entries, fetchedAt: now})
	c.setErr(nil)

	if c.opts.OnRefresh != nil {
		c.opts.OnRefresh(count)
	}
	c.logger.Debug("model list refreshed", "models", count)
	return nil
}

func (c *Catalog) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// LastError returns the error of the most recent refresh, or nil if it
// succeeded.
func (c *Catalog) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Contains reports whether id or its base name is cached. It never triggers
// a refresh.
func (c *Catalog) Contains(id string) bool {
	s := c.current.Load()
	if _, ok := s.entries[id]; ok {
		return true
	}
	_, ok := s.entries[models.BaseName(id)]
	return ok
}

// IsLocallyServable refreshes the cache if it is stale and reports whether
// the local runtime has the model. A failed refresh answers from the stale
// cache.
func (c *Catalog) IsLocallyServable(ctx context.Context, id string) bool {
	_ = c.Refresh(ctx)
	return c.Contains(id)
}

// ListKnownModels returns every cached key, full and base names, sorted.
func (c *Catalog) ListKnownModels(ctx context.Context) []string {
	_ = c.Refresh(ctx)
	s := c.current.Load()
	names := make([]string, 0, len(s.entries))
	for k := range s.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Entries returns one entry per installed model, sorted by full name.
func (c *Catalog) Entries() []Entry {
	s := c.current.Load()
	seen := make(map[string]bool, len(s.entries))
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if seen[e.FullName] {
			continue
		}
		seen[e.FullName] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Age returns the time since the last successful refresh, or -1 if there
// has been none.
func (c *Catalog) Age() time.Duration {
	s := c.current.Load()
	if s.fetchedAt.IsZero() {
		return -1
	}
	return c.opts.Now().Sub(s.fetchedAt)
}

// Run refreshes the catalog every interval until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.opts.TTL
	}
	_ = c.ForceRefresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.ForceRefresh(ctx)
		}
	}
}
