package interceptors

import (
	"fmt"
	"log/slog"
	"strings"
)

type entry struct {
	ic    Interceptor
	phase int
}

// Template is the immutable, sorted interceptor sequence for one phase table.
// Chains created from it share the sequence and copy it before changing it.
type Template struct {
	table   *PhaseTable
	entries []entry
}

// Build resolves the contributing lists into one ordered sequence. Lists are
// given outer to inner (global, service, endpoint, binding); that order is the
// default order inside a phase. An interceptor whose name is already present
// is skipped.
func Build(table *PhaseTable, lists ...[]Interceptor) (*Template, error) {
	if table == nil {
		return nil, &ConfigError{Op: "build", Err: fmt.Errorf("%w: nil phase table", ErrInvalidConfiguration)}
	}

	buckets := make([][]Interceptor, table.Len())
	phaseOf := make(map[string]int)

	for _, list := range lists {
		for _, ic := range list {
			idx, ok := table.Index(ic.Phase())
			if !ok {
				return nil, &ConfigError{Op: "build", Interceptor: ic.Name(), Phase: ic.Phase(), Err: ErrUnknownPhase}
			}
			if _, dup := phaseOf[ic.Name()]; dup {
				continue
			}
			phaseOf[ic.Name()] = idx
			buckets[idx] = append(buckets[idx], ic)
		}
	}

	if err := checkConstraints(table, buckets, phaseOf); err != nil {
		return nil, err
	}

	t := &Template{table: table}
	for idx, bucket := range buckets {
		sorted, err := sortPhase(bucket)
		if err != nil {
			return nil, &ConfigError{Op: "build", Phase: table.Phase(idx).Name, Err: err}
		}
		for _, ic := range sorted {
			t.entries = append(t.entries, entry{ic: ic, phase: idx})
		}
	}
	return t, nil
}

// checkConstraints rejects before/after references to interceptors that are
// present but bound to another phase. Absent names are ignored.
func checkConstraints(table *PhaseTable, buckets [][]Interceptor, phaseOf map[string]int) error {
	for idx, bucket := range buckets {
		for _, ic := range bucket {
			for _, name := range append(append([]string(nil), ic.Before()...), ic.After()...) {
				other, ok := phaseOf[name]
				if !ok || other == idx {
					continue
				}
				return &ConfigError{
					Op:          "build",
					Interceptor: ic.Name(),
					Phase:       table.Phase(idx).Name,
					Err:         fmt.Errorf("%w: %s is in phase %s", ErrCrossPhaseConstraint, name, table.Phase(other).Name),
				}
			}
		}
	}
	return nil
}

// sortPhase orders one phase's interceptors so every before/after constraint
// holds. Among interceptors that are free to go next the one with the lowest
// original index wins, so an order that already satisfies the constraints is
// returned unchanged.
func sortPhase(items []Interceptor) ([]Interceptor, error) {
	n := len(items)
	if n < 2 {
		return items, nil
	}

	pos := make(map[string]int, n)
	for i, ic := range items {
		pos[ic.Name()] = i
	}

	indegree := make([]int, n)
	successors := make([][]int, n)
	edges := make(map[[2]int]bool)
	addEdge := func(from, to int) {
		if from == to || edges[[2]int{from, to}] {
			return
		}
		edges[[2]int{from, to}] = true
		successors[from] = append(successors[from], to)
		indegree[to]++
	}

	for i, ic := range items {
		for _, name := range ic.Before() {
			if j, ok := pos[name]; ok {
				addEdge(i, j)
			}
		}
		for _, name := range ic.After() {
			if j, ok := pos[name]; ok {
				addEdge(j, i)
			}
		}
	}

	done := make([]bool, n)
	out := make([]Interceptor, 0, n)
	for len(out) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i := 0; i < n; i++ {
				if !done[i] {
					stuck = append(stuck, items[i].Name())
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrConstraintCycle, strings.Join(stuck, ", "))
		}

		done[next] = true
		out = append(out, items[next])
		for _, s := range successors[next] {
			indegree[s]--
		}
	}
	return out, nil
}

// Table returns the phase table the template was built for
func (t *Template) Table() *PhaseTable {
	return t.table
}

// Len returns the number of interceptors
func (t *Template) Len() int {
	return len(t.entries)
}

// Interceptors returns the resolved sequence
func (t *Template) Interceptors() []Interceptor {
	out := make([]Interceptor, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.ic
	}
	return out
}

// Names returns the interceptor names in execution order
func (t *Template) Names() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.ic.Name()
	}
	return out
}

// NewChain creates a fresh chain over the shared sequence
func (t *Template) NewChain(opts ...ChainOption) *Chain {
	c := &Chain{
		table:   t.table,
		entries: t.entries,
		current: -1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
