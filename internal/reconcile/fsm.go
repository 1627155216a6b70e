package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an event does not apply to the
// entry's current phase. The entry is left unchanged.
var ErrInvalidTransition = errors.New("reconcile: invalid transition")

// Phase is the per-thread reconciliation phase.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSending   Phase = "sending"
	PhaseStreaming Phase = "streaming"
	PhaseResuming  Phase = "resuming"
)

// Event drives a per-thread phase transition.
type Event string

const (
	EventSendIssued       Event = "send_issued"
	EventStreamIDObserved Event = "stream_id_observed"
	EventSendSettled      Event = "send_settled"
	EventSendFailed       Event = "send_failed"
	EventStreamEnded      Event = "stream_ended"
	EventResumeInvoked    Event = "resume_invoked"
	EventResumeCompleted  Event = "resume_completed"
	EventResumeFailed     Event = "resume_failed"
)

// ValidTransitions maps each phase to the phases it may move to.
// sending -> resuming only happens once a pending send has expired.
var ValidTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseSending, PhaseResuming},
	PhaseSending:   {PhaseSending, PhaseStreaming, PhaseIdle, PhaseResuming},
	PhaseStreaming: {PhaseIdle, PhaseSending},
	PhaseResuming:  {PhaseIdle},
}

// Entry is the client-side reconciliation state for one thread. It is never
// persisted.
type Entry struct {
	AttachedStreamID string
	Phase            Phase
	PendingSince     time.Time

	// ownStream is set when the send path learned the id of the stream it
	// started, so settling moves to streaming instead of idle.
	ownStream bool

	// FailedStreamID and Failures count consecutive failed resumes of the
	// same stream.
	FailedStreamID string
	Failures       int
}

// Pending reports whether this client just issued a send on the thread.
func (e Entry) Pending() bool {
	return e.Phase == PhaseSending
}

func newEntry() *Entry {
	return &Entry{Phase: PhaseIdle}
}

func isValidTransition(from, to Phase) bool {
	for _, p := range ValidTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// apply moves e through ev. streamID is used by stream_id_observed,
// resume_invoked and resume_failed.
func (e *Entry) apply(ev Event, streamID string, now time.Time) error {
	var to Phase
	switch ev {
	case EventSendIssued:
		to = PhaseSending
	case EventStreamIDObserved:
		if e.Phase != PhaseSending {
			return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, e.Phase)
		}
		if streamID == "" {
			return fmt.Errorf("reconcile: %s: stream ID is required", ev)
		}
		to = PhaseSending
	case EventSendSettled:
		if e.Phase != PhaseSending {
			return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, e.Phase)
		}
		to = PhaseIdle
		if e.ownStream {
			to = PhaseStreaming
		}
	case EventSendFailed:
		if e.Phase != PhaseSending {
			return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, e.Phase)
		}
		to = PhaseIdle
	case EventStreamEnded:
		if e.Phase != PhaseStreaming {
			return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, e.Phase)
		}
		to = PhaseIdle
	case EventResumeInvoked:
		if streamID == "" {
			return fmt.Errorf("reconcile: %s: stream ID is required", ev)
		}
		to = PhaseResuming
	case EventResumeCompleted, EventResumeFailed:
		if e.Phase != PhaseResuming {
			return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, e.Phase)
		}
		to = PhaseIdle
	default:
		return fmt.Errorf("reconcile: unknown event %q", ev)
	}

	if !isValidTransition(e.Phase, to) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, ev, e.Phase, to)
	}

	switch ev {
	case EventSendIssued:
		e.PendingSince = now
		e.ownStream = false
	case EventStreamIDObserved:
		e.AttachedStreamID = streamID
		e.ownStream = true
	case EventSendSettled, EventSendFailed:
		e.PendingSince = time.Time{}
	case EventResumeInvoked:
		e.AttachedStreamID = streamID
		e.PendingSince = time.Time{}
	case EventResumeCompleted:
		e.FailedStreamID = ""
		e.Failures = 0
	case EventResumeFailed:
		if e.AttachedStreamID == streamID {
			e.AttachedStreamID = ""
		}
		if e.FailedStreamID != streamID {
			e.FailedStreamID = streamID
			e.Failures = 0
		}
		e.Failures++
	}
	e.Phase = to
	return nil
}
