// SPDX-License-Identifier: MIT

// Package interrupt implements the interruption coordinator: the policy
// table mapping external audio-focus and telephony events onto capture
// pause/resume actions and duration-accounting pauses.
package interrupt

import (
	"sort"
	"time"
)

// Kind is the closed set of interruption events the coordinator reacts
// to.
type Kind int

const (
	FocusGain Kind = iota
	FocusLossPermanent
	FocusLossTransient
	FocusLossDuck
	RouteChange
	PhoneCallBegin
	PhoneCallEnd
)

func (k Kind) String() string {
	switch k {
	case FocusGain:
		return "focus_gain"
	case FocusLossPermanent:
		return "focus_loss_permanent"
	case FocusLossTransient:
		return "focus_loss_transient"
	case FocusLossDuck:
		return "focus_loss_duck"
	case RouteChange:
		return "route_change"
	case PhoneCallBegin:
		return "phone_call_begin"
	case PhoneCallEnd:
		return "phone_call_end"
	default:
		return "unknown"
	}
}

// RouteChangeReason narrows a RouteChange event. Only HeadphoneDisconnect
// triggers a capture pause; every other reason is a no-op for capture.
type RouteChangeReason int

const (
	RouteReasonOther RouteChangeReason = iota
	RouteReasonHeadphoneDisconnect
)

// Event is one interruption notification delivered to the coordinator.
type Event struct {
	Kind         Kind
	RouteReason  RouteChangeReason
}

// CaptureAction tells the caller what to do to the capture pipeline.
type CaptureAction int

const (
	CaptureNoChange CaptureAction = iota
	CapturePause
	CaptureResume
)

// DurationAction tells the caller how to adjust duration accounting.
type DurationAction int

const (
	DurationNoChange DurationAction = iota
	DurationPause
	DurationResume
)

// Decision is the policy table's output for one event.
type Decision struct {
	Capture  CaptureAction
	Duration DurationAction
}

// PauseInterval is one span of paused time, closed or still in progress.
// An in-progress interval carries a zero End.
type PauseInterval struct {
	Start time.Time
	End   time.Time
}

// Coordinator tracks whether the last capture pause was triggered by a
// phone call, since phone_call_end only resumes capture it auto-paused,
// never a pause the caller started manually.
type Coordinator struct {
	pausedByPhoneCall bool

	interruptPauseActive bool
	interruptPauseStart  time.Time
	interruptIntervals   []PauseInterval // closed intervals only
}

// New creates a Coordinator with no active interruption.
func New() *Coordinator {
	return &Coordinator{}
}

// Decide applies the interruption policy table to ev and returns the
// actions the session façade should take. It also tracks whether capture
// is currently paused because of a phone call, so a later PhoneCallEnd
// knows whether to resume.
func (c *Coordinator) Decide(ev Event) Decision {
	switch ev.Kind {
	case PhoneCallBegin:
		c.pausedByPhoneCall = true
		return Decision{Capture: CapturePause, Duration: DurationPause}
	case PhoneCallEnd:
		d := Decision{Duration: DurationResume}
		if c.pausedByPhoneCall {
			d.Capture = CaptureResume
		}
		c.pausedByPhoneCall = false
		return d
	case FocusLossPermanent, FocusLossTransient, FocusLossDuck:
		return Decision{Capture: CaptureNoChange, Duration: DurationPause}
	case FocusGain:
		return Decision{Capture: CaptureNoChange, Duration: DurationResume}
	case RouteChange:
		if ev.RouteReason == RouteReasonHeadphoneDisconnect {
			return Decision{Capture: CapturePause, Duration: DurationPause}
		}
		return Decision{Capture: CaptureNoChange, Duration: DurationNoChange}
	default:
		return Decision{Capture: CaptureNoChange, Duration: DurationNoChange}
	}
}

// BeginInterruptPause records the start of an interrupt-driven pause for
// duration accounting. No-op if one is already active, since concurrent
// interrupt pauses collapse into a single logical pause.
func (c *Coordinator) BeginInterruptPause(now time.Time) {
	if c.interruptPauseActive {
		return
	}
	c.interruptPauseActive = true
	c.interruptPauseStart = now
}

// EndInterruptPause closes an active interrupt pause, recording it as a
// closed interval. No-op if none is active.
func (c *Coordinator) EndInterruptPause(now time.Time) {
	if !c.interruptPauseActive {
		return
	}
	c.interruptIntervals = append(c.interruptIntervals, PauseInterval{Start: c.interruptPauseStart, End: now})
	c.interruptPauseActive = false
}

// InterruptPausedDuration returns the accumulated interrupt-pause time,
// including the in-progress portion of an active pause if asOf is given.
func (c *Coordinator) InterruptPausedDuration(asOf time.Time) time.Duration {
	var total time.Duration
	for _, iv := range c.interruptIntervals {
		total += iv.End.Sub(iv.Start)
	}
	if c.interruptPauseActive {
		total += asOf.Sub(c.interruptPauseStart)
	}
	return total
}

// IsInterruptPauseActive reports whether an interrupt-driven pause is
// currently open.
func (c *Coordinator) IsInterruptPauseActive() bool {
	return c.interruptPauseActive
}

// InterruptIntervals returns every closed interrupt-pause interval plus,
// if one is currently open, a trailing interval with a zero End. Feeds
// CombinedPausedDuration without that function needing to know about
// manual pauses or reach into the coordinator's internals.
func (c *Coordinator) InterruptIntervals() []PauseInterval {
	out := make([]PauseInterval, len(c.interruptIntervals), len(c.interruptIntervals)+1)
	copy(out, c.interruptIntervals)
	if c.interruptPauseActive {
		out = append(out, PauseInterval{Start: c.interruptPauseStart})
	}
	return out
}

// CombinedPausedDuration returns the measure of the union of the manual
// and interrupt pause intervals as of now, so pauses from the two sources
// are counted once each whenever they overlap and in full whenever they
// don't, across any number of rounds of pausing and resuming. Handles
// more than the simple case of two pauses open at the same instant. An
// interval with a zero End is treated as still open, running through now.
func CombinedPausedDuration(now time.Time, manual, interruptPauses []PauseInterval) time.Duration {
	all := make([]PauseInterval, 0, len(manual)+len(interruptPauses))
	all = append(all, manual...)
	all = append(all, interruptPauses...)
	for i := range all {
		if all[i].End.IsZero() {
			all[i].End = now
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })

	var total time.Duration
	var openEnd time.Time
	for _, iv := range all {
		if !iv.End.After(iv.Start) {
			continue
		}
		switch {
		case openEnd.IsZero() || iv.Start.After(openEnd):
			total += iv.End.Sub(iv.Start)
			openEnd = iv.End
		case iv.End.After(openEnd):
			total += iv.End.Sub(openEnd)
			openEnd = iv.End
		}
	}
	return total
}
