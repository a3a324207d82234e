package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-rpc/interceptors"
)

// Connected is implemented by the network transports
type Connected interface {
	IsConnected() bool
}

// ConnectionChecker reports a transport connection
type ConnectionChecker struct {
	name string
	conn Connected
}

// NewConnectionChecker creates a checker named name for conn
func NewConnectionChecker(name string, conn Connected) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}
	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// CacheChecker reports chain cache usage. It degrades when the entry count
// passes maxEntries, which usually means interceptor lists are rebuilt per
// message.
type CacheChecker struct {
	cache      *interceptors.Cache
	maxEntries int
}

// NewCacheChecker creates a chain cache checker
func NewCacheChecker(cache *interceptors.Cache, maxEntries int) *CacheChecker {
	return &CacheChecker{cache: cache, maxEntries: maxEntries}
}

func (c *CacheChecker) Name() string {
	return "chain_cache"
}

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	entries := c.cache.Len()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "chain cache is healthy",
		Details: map[string]interface{}{
			"entries": entries,
			"hits":    c.cache.Hits(),
			"misses":  c.cache.Misses(),
		},
	}
	if c.maxEntries > 0 && entries > c.maxEntries {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("chain cache holds %d templates", entries)
	}
	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker degrades and fails on goroutine counts; parked
// exchanges and stuck deliveries show up here first
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines":     n,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}
	switch {
	case c.critical > 0 && n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case c.warning > 0 && n > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps a function
type ComponentChecker struct {
	name string
	fn   func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, fn func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, fn: fn}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.fn(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
