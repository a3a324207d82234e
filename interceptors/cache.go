package interceptors

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type cacheEntry struct {
	versions []uint64
	template *Template
}

// Cache memoizes chain resolution. Entries are keyed by the phase table and
// the identities of the contributing lists; an entry is reused while every
// list still has the version it was built from and superseded otherwise.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	hits    atomic.Uint64
	misses  atomic.Uint64
	logger  *slog.Logger
}

// CacheOption configures the cache
type CacheOption func(*Cache)

// WithCacheLogger sets the logger
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache creates an empty chain cache
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Template returns the resolved sequence for the lists, building it when the
// lists changed since the last build. Nil lists are skipped.
func (c *Cache) Template(table *PhaseTable, lists ...*List) (*Template, error) {
	if table == nil {
		return Build(nil)
	}
	key, versions, snapshots := c.fingerprint(table, lists)

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if ok && equalVersions(e.versions, versions) {
		c.hits.Add(1)
		return e.template, nil
	}

	c.misses.Add(1)
	tmpl, err := Build(table, snapshots...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{versions: versions, template: tmpl}
	c.mu.Unlock()

	c.logger.Debug("chain resolved",
		"phaseTable", table.ID(),
		"interceptors", tmpl.Len(),
	)
	return tmpl, nil
}

// Chain returns a fresh chain over the cached sequence
func (c *Cache) Chain(table *PhaseTable, lists []*List, opts ...ChainOption) (*Chain, error) {
	tmpl, err := c.Template(table, lists...)
	if err != nil {
		return nil, err
	}
	return tmpl.NewChain(opts...), nil
}

// Hits returns the number of lookups served from the cache
func (c *Cache) Hits() uint64 {
	return c.hits.Load()
}

// Misses returns the number of lookups that rebuilt a chain
func (c *Cache) Misses() uint64 {
	return c.misses.Load()
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) fingerprint(table *PhaseTable, lists []*List) (string, []uint64, [][]Interceptor) {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(table.ID(), 10))

	versions := make([]uint64, 0, len(lists))
	snapshots := make([][]Interceptor, 0, len(lists))
	for _, l := range lists {
		if l == nil {
			continue
		}
		items, version := l.Snapshot()
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(l.ID(), 10))
		versions = append(versions, version)
		snapshots = append(snapshots, items)
	}
	return b.String(), versions, snapshots
}

func equalVersions(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
