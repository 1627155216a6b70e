package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func liveInputs(streamID string) Inputs {
	return Inputs{
		ThreadID: "th-a",
		Thread:   ThreadState{IsLive: true, CurrentStreamID: streamID},
		Status:   StatusReady,
		Messages: Loaded,
	}
}

func TestDecide_Table(t *testing.T) {
	on := Policy{AutoResume: true}

	tests := []struct {
		name   string
		in     Inputs
		entry  Entry
		policy Policy
		want   Action
		reason string
	}{
		{
			name:   "auto resume disabled",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseIdle},
			policy: Policy{AutoResume: false},
			want:   ActionNone,
			reason: ReasonDisabled,
		},
		{
			name:   "no thread open",
			in:     Inputs{Thread: ThreadState{IsLive: true, CurrentStreamID: "s1"}, Messages: Loaded},
			policy: on,
			want:   ActionNone,
			reason: ReasonNoThread,
		},
		{
			name:   "thread not live",
			in:     Inputs{ThreadID: "th-a", Thread: ThreadState{IsLive: false, CurrentStreamID: "s1"}, Messages: Loaded},
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionNone,
			reason: ReasonNotLive,
		},
		{
			name:   "live without stream id",
			in:     Inputs{ThreadID: "th-a", Thread: ThreadState{IsLive: true}, Messages: Loaded},
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionNone,
			reason: ReasonNotLive,
		},
		{
			name:   "client streaming",
			in:     func() Inputs { in := liveInputs("s1"); in.Status = StatusStreaming; return in }(),
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionNone,
			reason: ReasonLocallyStreaming,
		},
		{
			name:   "client submitted",
			in:     func() Inputs { in := liveInputs("s1"); in.Status = StatusSubmitted; return in }(),
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionNone,
			reason: ReasonLocallyStreaming,
		},
		{
			name:   "own stream phase",
			in:     liveInputs("s2"),
			entry:  Entry{Phase: PhaseStreaming, AttachedStreamID: "s1"},
			policy: on,
			want:   ActionNone,
			reason: ReasonLocallyStreaming,
		},
		{
			name:   "resume already in flight",
			in:     liveInputs("s2"),
			entry:  Entry{Phase: PhaseResuming, AttachedStreamID: "s1"},
			policy: on,
			want:   ActionNone,
			reason: ReasonResumeInFlight,
		},
		{
			name:   "messages loading",
			in:     func() Inputs { in := liveInputs("s1"); in.Messages = Loading; return in }(),
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionNone,
			reason: ReasonMessagesLoading,
		},
		{
			name:   "messages errored",
			in:     func() Inputs { in := liveInputs("s1"); in.Messages = Errored; return in }(),
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionNone,
			reason: ReasonMessagesErrored,
		},
		{
			name:   "already attached",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseIdle, AttachedStreamID: "s1"},
			policy: on,
			want:   ActionNone,
			reason: ReasonAlreadyAttached,
		},
		{
			name:   "attached differs while pending",
			in:     liveInputs("s2"),
			entry:  Entry{Phase: PhaseSending, AttachedStreamID: "s1", PendingSince: t0},
			policy: on,
			want:   ActionNone,
			reason: ReasonPendingSend,
		},
		{
			name:   "attached differs",
			in:     liveInputs("s2"),
			entry:  Entry{Phase: PhaseIdle, AttachedStreamID: "s1"},
			policy: on,
			want:   ActionResume,
			reason: ReasonStreamChanged,
		},
		{
			name:   "unattached while pending",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseSending, PendingSince: t0},
			policy: on,
			want:   ActionNone,
			reason: ReasonPendingSend,
		},
		{
			name:   "unattached after reload",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseIdle},
			policy: on,
			want:   ActionResume,
			reason: ReasonUnattached,
		},
		{
			name:   "pending within timeout",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseSending, PendingSince: t0.Add(-10 * time.Second)},
			policy: Policy{AutoResume: true, PendingTimeout: 30 * time.Second},
			want:   ActionNone,
			reason: ReasonPendingSend,
		},
		{
			name:   "pending expired",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseSending, PendingSince: t0.Add(-time.Minute)},
			policy: Policy{AutoResume: true, PendingTimeout: 30 * time.Second},
			want:   ActionResume,
			reason: ReasonUnattached,
		},
		{
			name:   "failed stream exhausted",
			in:     liveInputs("s1"),
			entry:  Entry{Phase: PhaseIdle, FailedStreamID: "s1", Failures: 3},
			policy: Policy{AutoResume: true, MaxResumeAttempts: 3},
			want:   ActionNone,
			reason: ReasonResumeExhausted,
		},
		{
			name:   "failures on another stream do not block",
			in:     liveInputs("s2"),
			entry:  Entry{Phase: PhaseIdle, FailedStreamID: "s1", Failures: 3},
			policy: Policy{AutoResume: true, MaxResumeAttempts: 3},
			want:   ActionResume,
			reason: ReasonUnattached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.in, tt.entry, tt.policy, t0)
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
			if d.Action == ActionResume {
				assert.Equal(t, tt.in.Thread.CurrentStreamID, d.StreamID)
			}
		})
	}
}

func TestDecide_PendingExpiredFlag(t *testing.T) {
	e := Entry{Phase: PhaseSending, PendingSince: t0.Add(-time.Hour)}
	d := Decide(liveInputs("s1"), e, Policy{AutoResume: true, PendingTimeout: time.Second}, t0)
	assert.Equal(t, ActionResume, d.Action)
	assert.True(t, d.PendingExpired)
}

func TestDecide_ZeroTimeoutNeverExpires(t *testing.T) {
	e := Entry{Phase: PhaseSending, PendingSince: t0.Add(-24 * time.Hour)}
	d := Decide(liveInputs("s1"), e, Policy{AutoResume: true}, t0)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, ReasonPendingSend, d.Reason)
}

func TestDecide_NotLiveWinsOverEverything(t *testing.T) {
	for _, phase := range []Phase{PhaseIdle, PhaseSending, PhaseStreaming, PhaseResuming} {
		for _, attached := range []string{"", "s0", "s1"} {
			in := liveInputs("s1")
			in.Thread.IsLive = false
			d := Decide(in, Entry{Phase: phase, AttachedStreamID: attached}, Policy{AutoResume: true}, t0)
			assert.Equal(t, ActionNone, d.Action, "phase=%s attached=%q", phase, attached)
		}
	}
}

func TestLoadState_String(t *testing.T) {
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "loaded", Loaded.String())
	assert.Equal(t, "errored", Errored.String())
	assert.Equal(t, "unknown", LoadState(42).String())
}
