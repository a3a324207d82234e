package interceptors

import (
	"sync"
	"sync/atomic"
)

var listIDs atomic.Uint64

type listSnapshot struct {
	items   []Interceptor
	version uint64
}

// List is an append-mostly, copy-on-write list of interceptors. Readers get
// an immutable snapshot and never block writers.
type List struct {
	id   uint64
	mu   sync.Mutex
	snap atomic.Pointer[listSnapshot]
}

// NewList creates a list holding ics
func NewList(ics ...Interceptor) *List {
	l := &List{id: listIDs.Add(1)}
	items := make([]Interceptor, len(ics))
	copy(items, ics)
	l.snap.Store(&listSnapshot{items: items})
	return l
}

// ID returns the process-unique identity of the list
func (l *List) ID() uint64 {
	return l.id
}

// Add appends interceptors
func (l *List) Add(ics ...Interceptor) {
	if len(ics) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.snap.Load()
	items := make([]Interceptor, 0, len(cur.items)+len(ics))
	items = append(items, cur.items...)
	items = append(items, ics...)
	l.snap.Store(&listSnapshot{items: items, version: cur.version + 1})
}

// Remove deletes every interceptor with the given name and reports whether
// anything was removed.
func (l *List) Remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.snap.Load()
	items := make([]Interceptor, 0, len(cur.items))
	for _, ic := range cur.items {
		if ic.Name() != name {
			items = append(items, ic)
		}
	}
	if len(items) == len(cur.items) {
		return false
	}
	l.snap.Store(&listSnapshot{items: items, version: cur.version + 1})
	return true
}

// Snapshot returns the current items and the mutation version they belong
// to. The returned slice is shared and must not be modified.
func (l *List) Snapshot() ([]Interceptor, uint64) {
	s := l.snap.Load()
	return s.items, s.version
}

// Version returns the mutation counter
func (l *List) Version() uint64 {
	return l.snap.Load().version
}

// Len returns the number of interceptors
func (l *List) Len() int {
	return len(l.snap.Load().items)
}

// Provider owns the four interceptor lists a runtime layer contributes
type Provider struct {
	in       *List
	out      *List
	inFault  *List
	outFault *List
}

// NewProvider creates a provider with empty lists
func NewProvider() *Provider {
	return &Provider{
		in:       NewList(),
		out:      NewList(),
		inFault:  NewList(),
		outFault: NewList(),
	}
}

// In returns the inbound list
func (p *Provider) In() *List {
	return p.in
}

// Out returns the outbound list
func (p *Provider) Out() *List {
	return p.out
}

// InFault returns the inbound fault list
func (p *Provider) InFault() *List {
	return p.inFault
}

// OutFault returns the outbound fault list
func (p *Provider) OutFault() *List {
	return p.outFault
}
