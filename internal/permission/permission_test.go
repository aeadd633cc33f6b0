package permission

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDefaultsToAskBefore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Get("shell"); got != AskBefore {
		t.Errorf("Get on unset tool = %v, want AskBefore", got)
	}
}

func TestAlwaysAllowPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// AllowOnce must not persist anything.
	ch := s.Request(context.Background(), "req_1")
	s.HandleConfirmation("shell", "req_1", AllowOnce)
	if outcome := <-ch; outcome != AllowOnce {
		t.Fatalf("outcome = %v, want AllowOnce", outcome)
	}
	if got := s.Get("shell"); got != AskBefore {
		t.Errorf("AllowOnce should not persist policy, got %v", got)
	}

	// AlwaysAllow persists before the outcome is delivered.
	ch = s.Request(context.Background(), "req_2")
	s.HandleConfirmation("shell", "req_2", AlwaysAllowOutcome)
	if outcome := <-ch; outcome != AlwaysAllowOutcome {
		t.Fatalf("outcome = %v, want AlwaysAllowOutcome", outcome)
	}

	// A fresh store over the same file sees the policy (scenario: a third
	// identical request in a new session runs without prompting).
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Get("shell"); got != AlwaysAllow {
		t.Errorf("reopened policy = %v, want AlwaysAllow", got)
	}
}

func TestAlwaysDenyPersists(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch := s.Request(context.Background(), "req_1")
	s.HandleConfirmation("deleter", "req_1", AlwaysDeny)
	<-ch
	if got := s.Get("deleter"); got != NeverAllow {
		t.Errorf("policy = %v, want NeverAllow", got)
	}
}

func TestRequestCancelledByContext(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Request(ctx, "req_1")
	cancel()

	select {
	case outcome := <-ch:
		if outcome != Cancel {
			t.Errorf("outcome = %v, want Cancel", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request never resolved")
	}
}

func TestCancelAllResolvesEveryPending(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ch1 := s.Request(context.Background(), "req_1")
	ch2 := s.Request(context.Background(), "req_2")
	s.CancelAll()

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		select {
		case outcome := <-ch:
			if outcome != Cancel {
				t.Errorf("outcome = %v, want Cancel", outcome)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request not cancelled")
		}
	}
}

func TestHandleConfirmationUnknownIDIsIgnored(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Must not panic or persist anything.
	s.HandleConfirmation("shell", "req_unknown", AllowOnce)
	if got := s.Get("shell"); got != AskBefore {
		t.Errorf("policy = %v, want AskBefore", got)
	}
}
