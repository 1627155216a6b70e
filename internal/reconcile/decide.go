// Package reconcile decides, for the thread a client has open, whether to
// attach to the server's in-progress generation stream.
//
// Each observation of (thread, current stream id) yields exactly one
// Decision. Resume decisions record the stream as attached under the same
// lock they are made in, so re-evaluating unchanged inputs never resumes the
// same stream twice.
package reconcile

import "time"

// Action is the outcome of one reconciliation pass.
type Action string

const (
	ActionNone   Action = "none"
	ActionResume Action = "resume"
)

// Decision reasons.
const (
	ReasonDisabled         = "auto_resume_disabled"
	ReasonNoThread         = "no_thread"
	ReasonNotCurrent       = "not_current_thread"
	ReasonNotLive          = "not_live"
	ReasonLocallyStreaming = "locally_streaming"
	ReasonResumeInFlight   = "resume_in_flight"
	ReasonMessagesLoading  = "messages_loading"
	ReasonMessagesErrored  = "messages_errored"
	ReasonAlreadyAttached  = "already_attached"
	ReasonPendingSend      = "pending_send"
	ReasonResumeExhausted  = "resume_exhausted"
	ReasonStreamChanged    = "stream_changed"
	ReasonUnattached       = "unattached"
)

// Status is the local streaming status of the chat client.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// LoadState distinguishes a loading message collection from a loaded (maybe
// empty) one and from a failed load.
type LoadState int

const (
	Loading LoadState = iota
	Loaded
	Errored
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// ThreadState is the server-owned live state of a thread.
type ThreadState struct {
	IsLive          bool
	CurrentStreamID string
}

// Inputs are the values one reconciliation pass reads.
type Inputs struct {
	ThreadID string
	Thread   ThreadState
	Status   Status
	Messages LoadState
}

// Policy holds the knobs that shape the decision table.
type Policy struct {
	AutoResume bool

	// PendingTimeout treats a pending send older than this as abandoned.
	// Zero disables expiry.
	PendingTimeout time.Duration

	// MaxResumeAttempts stops retrying a stream whose resume failed this
	// many times in a row. Zero means unlimited.
	MaxResumeAttempts int
}

// Decision is the result of Decide.
type Decision struct {
	Action         Action
	Reason         string
	StreamID       string
	PendingExpired bool
}

func none(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

// Decide evaluates the decision table for one thread. It has no side effects.
func Decide(in Inputs, e Entry, p Policy, now time.Time) Decision {
	if !p.AutoResume {
		return none(ReasonDisabled)
	}
	if in.ThreadID == "" {
		return none(ReasonNoThread)
	}
	if !in.Thread.IsLive || in.Thread.CurrentStreamID == "" {
		return none(ReasonNotLive)
	}
	if in.Status == StatusSubmitted || in.Status == StatusStreaming || e.Phase == PhaseStreaming {
		return none(ReasonLocallyStreaming)
	}
	if e.Phase == PhaseResuming {
		return none(ReasonResumeInFlight)
	}
	switch in.Messages {
	case Loaded:
	case Errored:
		return none(ReasonMessagesErrored)
	default:
		return none(ReasonMessagesLoading)
	}

	current := in.Thread.CurrentStreamID
	if e.AttachedStreamID == current {
		return none(ReasonAlreadyAttached)
	}

	expired := false
	if e.Pending() {
		if p.PendingTimeout > 0 && !e.PendingSince.IsZero() && now.Sub(e.PendingSince) > p.PendingTimeout {
			expired = true
		} else {
			return none(ReasonPendingSend)
		}
	}

	if p.MaxResumeAttempts > 0 && e.FailedStreamID == current && e.Failures >= p.MaxResumeAttempts {
		return none(ReasonResumeExhausted)
	}

	reason := ReasonUnattached
	if e.AttachedStreamID != "" {
		reason = ReasonStreamChanged
	}
	return Decision{Action: ActionResume, Reason: reason, StreamID: current, PendingExpired: expired}
}
