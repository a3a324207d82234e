package interceptors

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// DuplicateDetector defines the interface for duplicate detection
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor aborts requests whose ID was already
// processed. Replies received by a requestor pass through.
//
// A request is marked processed once its chain reaches post-invoke, so
// faulted requests stay eligible for redelivery.
type DuplicateDetectionInterceptor struct {
	Base
	detector DuplicateDetector
}

// NewDuplicateDetectionInterceptor creates a receive-phase duplicate filter
func NewDuplicateDetectionInterceptor(detector DuplicateDetector) *DuplicateDetectionInterceptor {
	return &DuplicateDetectionInterceptor{
		Base:     NewBase("DuplicateDetectionInterceptor", PhaseReceive, RunAfter("MetricsInterceptor")),
		detector: detector,
	}
}

// Handle implements Interceptor
func (i *DuplicateDetectionInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	if msg.IsRequestor() {
		return Continue()
	}
	id := msg.CorrelationID()
	if id == "" {
		id = msg.ID()
	}

	dup, err := i.detector.IsDuplicate(ctx, id)
	if err != nil {
		return Fault(err)
	}
	c := ChainOf(msg)
	if dup {
		if c != nil {
			c.Abort()
		}
		return Continue()
	}
	if c != nil {
		if err := c.Add(&markProcessedInterceptor{
			Base:     NewBase("DuplicateDetectionEndingInterceptor", PhasePostInvoke),
			detector: i.detector,
			id:       id,
		}); err != nil {
			return Fault(err)
		}
	}
	return Continue()
}

type markProcessedInterceptor struct {
	Base
	detector DuplicateDetector
	id       string
}

func (i *markProcessedInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	return Fault(i.detector.MarkProcessed(ctx, i.id))
}

// MemoryDuplicateDetector remembers processed IDs for a retention window
type MemoryDuplicateDetector struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

// NewMemoryDuplicateDetector creates an in-memory detector. A zero
// retention keeps IDs forever.
func NewMemoryDuplicateDetector(retention time.Duration) *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{
		seen:      make(map[string]time.Time),
		retention: retention,
	}
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[messageID]
	if !ok {
		return false, nil
	}
	if d.retention > 0 && time.Since(at) > d.retention {
		delete(d.seen, messageID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements DuplicateDetector
func (d *MemoryDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[messageID] = time.Now()
	return nil
}
