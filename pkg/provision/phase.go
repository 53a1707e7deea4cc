package provision

import (
	"errors"
	"fmt"
)

// Phase is a state of the provisioning state machine.
//
//	Pending -> Indexed -> Installed -> Cleaned
//
// There is no way back and no state may be skipped.
type Phase int

const (
	PhasePending Phase = iota
	PhaseIndexed
	PhaseInstalled
	PhaseCleaned
)

var ErrPhaseOrder = errors.New("provisioning phase out of order")

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseIndexed:
		return "indexed"
	case PhaseInstalled:
		return "installed"
	case PhaseCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Action names the work that moves the machine into p.
func (p Phase) Action() string {
	switch p {
	case PhaseIndexed:
		return "update"
	case PhaseInstalled:
		return "install"
	case PhaseCleaned:
		return "clean"
	default:
		return p.String()
	}
}

// Next returns the only phase reachable from p.
func (p Phase) Next() (Phase, bool) {
	if p >= PhaseCleaned || p < PhasePending {
		return p, false
	}
	return p + 1, true
}

// state guards transitions. A failed transition poisons the machine: the
// build is invalid and nothing may continue from a half-applied phase.
type state struct {
	current Phase
	failed  error
}

func (s *state) begin(to Phase) error {
	if s.failed != nil {
		return fmt.Errorf("%w: %s after failure: %v", ErrPhaseOrder, to, s.failed)
	}
	next, ok := s.current.Next()
	if !ok || next != to {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrPhaseOrder, s.current, to)
	}
	return nil
}

func (s *state) finish(to Phase, err error) {
	if err != nil {
		s.failed = err
		return
	}
	s.current = to
}
