package domain

import "testing"

func TestHappyPathTransitions(t *testing.T) {
	path := []ProvisioningStatus{StatusDraft, StatusPendingPayment, StatusPendingDomain,
		StatusProvisioning, StatusBootstrapping, StatusActive}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("%s -> %s must be legal", path[i], path[i+1])
		}
	}
}

func TestNoSkippingForward(t *testing.T) {
	if CanTransition(StatusDraft, StatusProvisioning) {
		t.Fatalf("draft must not jump to provisioning")
	}
	if CanTransition(StatusPendingPayment, StatusActive) {
		t.Fatalf("pending_payment must not jump to active")
	}
}

func TestErrorReturnsOnlyToResumableStates(t *testing.T) {
	for _, to := range []ProvisioningStatus{StatusPendingPayment, StatusPendingDomain,
		StatusProvisioning, StatusBootstrapping} {
		if !CanTransition(StatusError, to) {
			t.Fatalf("error -> %s must be legal for retry", to)
		}
	}
	if CanTransition(StatusError, StatusActive) {
		t.Fatalf("error must not transition straight to active")
	}
	if CanTransition(StatusError, StatusDraft) {
		t.Fatalf("error must not return to draft")
	}
}

func TestArchivedIsTerminal(t *testing.T) {
	for _, to := range []ProvisioningStatus{StatusDraft, StatusPendingPayment, StatusActive,
		StatusError, StatusSuspended} {
		if CanTransition(StatusArchived, to) {
			t.Fatalf("archived -> %s must be illegal", to)
		}
	}
}

func TestSuspendedOnlyArchives(t *testing.T) {
	if !CanTransition(StatusSuspended, StatusArchived) {
		t.Fatalf("suspended -> archived must be legal")
	}
	if CanTransition(StatusSuspended, StatusActive) {
		t.Fatalf("suspended -> active needs a manual reinstate path, not a transition")
	}
}

func TestRankOrdersHappyPath(t *testing.T) {
	if StatusDraft.Rank() >= StatusActive.Rank() {
		t.Fatalf("draft must rank below active")
	}
	if StatusError.Rank() != -1 || StatusSuspended.Rank() != -1 {
		t.Fatalf("side states must carry no rank")
	}
}

func TestCanRetry(t *testing.T) {
	p := Project{Status: StatusError, RetryCount: 2}
	if !p.CanRetry(3) {
		t.Fatalf("2 of 3 retries used, retry must be allowed")
	}
	p.RetryCount = 3
	if p.CanRetry(3) {
		t.Fatalf("exhausted retries must block")
	}
	p = Project{Status: StatusActive}
	if p.CanRetry(3) {
		t.Fatalf("active project must not retry")
	}
}

func TestRecordIDs(t *testing.T) {
	var ids RecordIDs
	if !ids.Empty() {
		t.Fatalf("zero value must be empty")
	}
	ids.A = "rec-1"
	if ids.Empty() {
		t.Fatalf("partial set must not be empty")
	}
	if got := ids.All(); len(got) != 1 || got[0] != "rec-1" {
		t.Fatalf("All() = %v", got)
	}
}
