package jobstate

import (
	"errors"
	"testing"

	"mentormail/internal/types"
)

func TestTransition_LegalPairs(t *testing.T) {
	cases := []struct {
		from types.JobStatus
		ev   Event
		want types.JobStatus
	}{
		{types.JobStatusPending, EventSchedule, types.JobStatusScheduled},
		{types.JobStatusPending, EventCancel, types.JobStatusCancelled},
		{types.JobStatusScheduled, EventClaim, types.JobStatusProcessing},
		{types.JobStatusScheduled, EventCancel, types.JobStatusCancelled},
		{types.JobStatusScheduled, EventExpire, types.JobStatusFailed},
		{types.JobStatusProcessing, EventComplete, types.JobStatusCompleted},
		{types.JobStatusProcessing, EventFail, types.JobStatusFailed},
		{types.JobStatusFailed, EventRetry, types.JobStatusScheduled},
		{types.JobStatusCancelled, EventRetry, types.JobStatusScheduled},
		{types.JobStatusCompleted, EventResend, types.JobStatusScheduled},
	}

	for _, tc := range cases {
		got, err := Transition(tc.from, tc.ev)
		if err != nil {
			t.Errorf("Transition(%s, %s): unexpected error: %v", tc.from, tc.ev, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Transition(%s, %s) = %s, want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

func TestTransition_IllegalPairs(t *testing.T) {
	cases := []struct {
		from types.JobStatus
		ev   Event
	}{
		{types.JobStatusProcessing, EventCancel}, // cancel cannot retract an in-flight send
		{types.JobStatusCompleted, EventRetry},
		{types.JobStatusCancelled, EventSchedule},
		{types.JobStatusCancelled, EventResend},
		{types.JobStatusFailed, EventComplete},
		{types.JobStatusScheduled, EventComplete}, // must claim first
		{types.JobStatusProcessing, EventExpire},  // expire never races a claimed job
	}

	for _, tc := range cases {
		_, err := Transition(tc.from, tc.ev)
		if err == nil {
			t.Errorf("Transition(%s, %s): expected error, got none", tc.from, tc.ev)
			continue
		}
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("Transition(%s, %s): error is %T, want *InvalidTransitionError", tc.from, tc.ev, err)
		}
	}
}

func TestSources(t *testing.T) {
	got := Sources(EventCancel)
	want := []types.JobStatus{types.JobStatusPending, types.JobStatusScheduled}
	if len(got) != len(want) {
		t.Fatalf("Sources(cancel) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sources(cancel) = %v, want %v", got, want)
		}
	}

	retry := Sources(EventRetry)
	if len(retry) != 2 || retry[0] != types.JobStatusFailed || retry[1] != types.JobStatusCancelled {
		t.Errorf("Sources(retry) = %v, want [failed cancelled]", retry)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []types.JobStatus{types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []types.JobStatus{types.JobStatusPending, types.JobStatusScheduled, types.JobStatusProcessing} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}
