package rsyncerr

import "testing"

func TestKindCodeMatchesUpstreamExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		code int
	}{
		{KindProtocolIncompatible, 2},
		{KindSocketIO, 10},
		{KindFileIO, 11},
		{KindMalformedFrame, 12},
		{KindStreamTruncated, 12},
		{KindUnknownRemoteMessage, 13},
		{KindSignal, 20},
		{KindPartialTransfer, 23},
		{KindVanishedSource, 24},
		{KindDeleteLimitExceeded, 25},
		{KindTimeoutIO, 30},
		{KindTimeoutConnect, 35},
	}
	for _, tt := range cases {
		if got := tt.kind.Code(); got != tt.code {
			t.Errorf("%s.Code() = %d, want %d", tt.kind, got, tt.code)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := New(KindFileIO, Recoverable, "", nil)
	wrapped := New(KindPartialTransfer, Fatal, "some/file", cause)
	if wrapped.Unwrap() != cause {
		t.Error("Unwrap did not return the wrapped cause")
	}
	if wrapped.ExitCode() != 23 {
		t.Errorf("ExitCode() = %d, want 23", wrapped.ExitCode())
	}
}

func TestSelectRecoveryAction(t *testing.T) {
	cases := []struct {
		cond   Condition
		action RecoveryAction
	}{
		{ConditionDiskFull, ActionAbort},
		{ConditionProtocolMismatch, ActionAbort},
		{ConditionChecksumMismatch, ActionRetry},
		{ConditionPermissionDenied, ActionSkip},
		{ConditionTimeoutResumable, ActionResumeFrom},
		{ConditionOther, ActionRetry},
	}
	for _, tt := range cases {
		action, _ := SelectRecoveryAction(tt.cond, 42)
		if action != tt.action {
			t.Errorf("SelectRecoveryAction(%v) = %v, want %v", tt.cond, action, tt.action)
		}
	}
	if _, offset := SelectRecoveryAction(ConditionTimeoutResumable, 42); offset != 42 {
		t.Errorf("ResumeFrom offset = %d, want 42", offset)
	}
}

func TestPartialTransferStateResumable(t *testing.T) {
	cases := []struct {
		name  string
		state PartialTransferState
		want  bool
	}{
		{"nothing received", PartialTransferState{Received: 0, Expected: 100}, false},
		{"fully received", PartialTransferState{Received: 100, Expected: 100}, false},
		{"strictly partial", PartialTransferState{Received: 40, Expected: 100}, true},
	}
	for _, tt := range cases {
		if got := tt.state.Resumable(); got != tt.want {
			t.Errorf("%s: Resumable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPartialLogOnlyRecordsResumableEntries(t *testing.T) {
	var log PartialLog
	log.Record(PartialTransferState{Path: "a", Received: 0, Expected: 10})
	log.Record(PartialTransferState{Path: "b", Received: 10, Expected: 10})
	log.Record(PartialTransferState{Path: "c", Received: 5, Expected: 10})

	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Path != "c" {
		t.Errorf("entries[0].Path = %q, want %q", entries[0].Path, "c")
	}
}
