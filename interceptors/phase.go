package interceptors

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Inbound phase names
const (
	PhaseReceive      = "receive"
	PhasePreStream    = "pre-stream"
	PhaseUserStream   = "user-stream"
	PhasePostStream   = "post-stream"
	PhaseRead         = "read"
	PhasePreProtocol  = "pre-protocol"
	PhaseUserProtocol = "user-protocol"
	PhasePostProtocol = "post-protocol"
	PhaseUnmarshal    = "unmarshal"
	PhasePreLogical   = "pre-logical"
	PhaseUserLogical  = "user-logical"
	PhasePostLogical  = "post-logical"
	PhasePreInvoke    = "pre-invoke"
	PhaseInvoke       = "invoke"
	PhasePostInvoke   = "post-invoke"
)

// Outbound phase names
const (
	PhaseSetup             = "setup"
	PhasePrepareSend       = "prepare-send"
	PhaseWrite             = "write"
	PhaseMarshal           = "marshal"
	PhaseSend              = "send"
	PhaseSendEnding        = "send-ending"
	PhasePrepareSendEnding = "prepare-send-ending"
)

// InPhaseNames is the default inbound phase order
var InPhaseNames = []string{
	PhaseReceive,
	PhasePreStream,
	PhaseUserStream,
	PhasePostStream,
	PhaseRead,
	PhasePreProtocol,
	PhaseUserProtocol,
	PhasePostProtocol,
	PhaseUnmarshal,
	PhasePreLogical,
	PhaseUserLogical,
	PhasePostLogical,
	PhasePreInvoke,
	PhaseInvoke,
	PhasePostInvoke,
}

// OutPhaseNames is the default outbound phase order
var OutPhaseNames = []string{
	PhaseSetup,
	PhasePreLogical,
	PhaseUserLogical,
	PhasePostLogical,
	PhasePrepareSend,
	PhasePreStream,
	PhasePreProtocol,
	PhaseWrite,
	PhaseMarshal,
	PhaseUserProtocol,
	PhasePostProtocol,
	PhaseUserStream,
	PhasePostStream,
	PhaseSend,
	PhaseSendEnding,
	PhasePrepareSendEnding,
}

var phaseTableIDs atomic.Uint64

// Phase is a named stage with a fixed position in a PhaseTable
type Phase struct {
	Name     string
	Position int
}

// PhaseTable is an immutable total order of phases
type PhaseTable struct {
	id     uint64
	phases []Phase
	index  map[string]int
}

// NewPhaseTable creates a phase table from names in execution order
func NewPhaseTable(names ...string) (*PhaseTable, error) {
	if len(names) == 0 {
		return nil, &ConfigError{Op: "phase table", Err: fmt.Errorf("%w: no phases", ErrInvalidConfiguration)}
	}

	t := &PhaseTable{
		id:     phaseTableIDs.Add(1),
		phases: make([]Phase, 0, len(names)),
		index:  make(map[string]int, len(names)),
	}
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &ConfigError{Op: "phase table", Err: fmt.Errorf("%w: empty phase name at position %d", ErrInvalidConfiguration, i)}
		}
		if _, dup := t.index[name]; dup {
			return nil, &ConfigError{Op: "phase table", Phase: name, Err: fmt.Errorf("%w: duplicate phase", ErrInvalidConfiguration)}
		}
		t.index[name] = i
		t.phases = append(t.phases, Phase{Name: name, Position: i})
	}
	return t, nil
}

// MustPhaseTable is NewPhaseTable that panics on error, for static tables
func MustPhaseTable(names ...string) *PhaseTable {
	t, err := NewPhaseTable(names...)
	if err != nil {
		panic(err)
	}
	return t
}

// ID returns the process-unique identity of the table
func (t *PhaseTable) ID() uint64 {
	return t.id
}

// Len returns the number of phases
func (t *PhaseTable) Len() int {
	return len(t.phases)
}

// Index returns the position of the named phase
func (t *PhaseTable) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Contains reports whether the table has the named phase
func (t *PhaseTable) Contains(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Phase returns the phase at position i
func (t *PhaseTable) Phase(i int) Phase {
	return t.phases[i]
}

// Phases returns a copy of the phases in order
func (t *PhaseTable) Phases() []Phase {
	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

// Names returns the phase names in order
func (t *PhaseTable) Names() []string {
	out := make([]string, len(t.phases))
	for i, p := range t.phases {
		out[i] = p.Name
	}
	return out
}
