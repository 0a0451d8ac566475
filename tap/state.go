package tap

import (
	"errors"
	"fmt"

	"github.com/shaban/appmixer/dsp"
)

// ErrIllegalTransition is returned when a crossfade state change is not one
// of the enumerated edges.
var ErrIllegalTransition = errors.New("illegal crossfade transition")

// Phase names a crossfade state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWarmingUp
	PhaseCrossfading
	PhaseTearingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarmingUp:
		return "warming-up"
	case PhaseCrossfading:
		return "crossfading"
	case PhaseTearingDown:
		return "tearing-down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// legal lists every allowed edge. The two edges back to idle from warm-up
// and crossfade are aborts.
var legal = map[Phase][]Phase{
	PhaseIdle:        {PhaseWarmingUp},
	PhaseWarmingUp:   {PhaseCrossfading, PhaseIdle},
	PhaseCrossfading: {PhaseTearingDown, PhaseIdle},
	PhaseTearingDown: {PhaseIdle},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Phase) bool {
	for _, p := range legal[from] {
		if p == to {
			return true
		}
	}
	return false
}

// CrossfadeState is the session's device switch state. Exactly one of Idle,
// WarmingUp, Crossfading and TearingDown.
type CrossfadeState interface {
	Phase() Phase
}

// Idle: only the primary path exists.
type Idle struct{}

// WarmingUp: a secondary path on the new device is running silently until it
// proves it delivers audio.
type WarmingUp struct {
	secondary *path
}

// Crossfading: both paths run, weighted by the shared clock.
type Crossfading struct {
	primary   *path
	secondary *path
	clock     *dsp.Crossfade
}

// TearingDown: the secondary has been promoted; the silenced old primary is
// waiting for destruction.
type TearingDown struct {
	oldPrimary *path
}

func (Idle) Phase() Phase        { return PhaseIdle }
func (WarmingUp) Phase() Phase   { return PhaseWarmingUp }
func (Crossfading) Phase() Phase { return PhaseCrossfading }
func (TearingDown) Phase() Phase { return PhaseTearingDown }

// Progress returns the crossfade position in [0, 1].
func (c Crossfading) Progress() float32 {
	if c.clock == nil {
		return 0
	}
	return c.clock.Progress()
}

// transition moves the session to next if the edge is legal.
func (s *Session) transition(next CrossfadeState) error {
	from := s.state.Phase()
	to := next.Phase()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.log.WithField("from", from.String()).WithField("to", to.String()).Debug("crossfade state")
	s.state = next
	return nil
}
