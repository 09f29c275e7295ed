package service

import (
	"context"
	"time"
)

// TimeoutCallback is invoked when a deadline fires. It receives the source
// tag of the operation that armed the timeout.
type TimeoutCallback func(ctx context.Context, sourceTag string)

// Timeout describes a fixed deadline for a blocking wait. A nil Callback is
// allowed; the timeout then only converts the wait into a stop.
type Timeout struct {
	// Deadline is the maximum time to wait before giving up.
	Deadline time.Duration

	// Callback fires once if the deadline is reached.
	Callback TimeoutCallback
}

// NewTimeout builds a fixed wait timeout.
func NewTimeout(deadline time.Duration, cb TimeoutCallback) *Timeout {
	return &Timeout{Deadline: deadline, Callback: cb}
}

// RefreshableTimeout describes a watchdog deadline measured from the most
// recent [Service.ResetTimeout] call rather than from computation start.
//
// The watchdog polls every CheckPeriod; a breach is therefore detected within
// at most one check period past the deadline. Computation bodies are expected
// to reset the watchdog at quiescence points (after a partial transcription,
// after an LLM delta) so that a provider streaming slowly but steadily is
// never cancelled.
type RefreshableTimeout struct {
	Timeout

	// CheckPeriod is the watchdog polling interval.
	CheckPeriod time.Duration
}

// NewRefreshableTimeout builds a watchdog timeout. checkPeriod must be
// positive and no larger than deadline to be useful; no validation is
// performed here because the watchdog tolerates any positive period.
func NewRefreshableTimeout(deadline, checkPeriod time.Duration, cb TimeoutCallback) *RefreshableTimeout {
	return &RefreshableTimeout{
		Timeout:     Timeout{Deadline: deadline, Callback: cb},
		CheckPeriod: checkPeriod,
	}
}
