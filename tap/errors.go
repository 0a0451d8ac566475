package tap

import "errors"

// Creation failures. The session is left without a primary path and the
// caller retries on the next trigger.
var (
	ErrCreateTap       = errors.New("create process tap")
	ErrCreateAggregate = errors.New("create aggregate device")
	ErrStartIO         = errors.New("start device IO")
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("tap session closed")

	// ErrWarmupFailed reports a secondary path that never produced audio.
	ErrWarmupFailed = errors.New("secondary path warm-up failed")

	// ErrCrossfadeStalled reports a crossfade clock that stopped advancing.
	ErrCrossfadeStalled = errors.New("crossfade did not complete")
)
