package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/xonecas/symb/internal/conversation"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSessionIDFormat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/tmp/work", "first session")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(sess.ID) < 10 || sess.ID[8] != '_' {
		t.Fatalf("unexpected id format: %q", sess.ID)
	}
	if !strings_HasSuffix(sess.ID, "_1") {
		t.Fatalf("expected first session of the day to end in _1, got %q", sess.ID)
	}
}

func strings_HasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// TestCreateSessionUniqueUnderContention is testable property #1: N
// concurrent CreateSession calls on the same day all return distinct ids
// matching YYYYMMDD_<k>, k in 1..N in any order.
func TestCreateSessionUniqueUnderContention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.CreateSession(ctx, "/tmp", "concurrent")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("CreateSession[%d]: %v", i, err)
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate session id: %s", ids[i])
		}
		seen[ids[i]] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(seen))
	}
}

func TestAddMessageAndGetSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/tmp", "desc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.AddMessage(ctx, sess.ID, conversation.NewUserText("hello")); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := s.AddMessage(ctx, sess.ID, conversation.NewAssistantText("hi")); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	loaded, err := s.GetSession(ctx, sess.ID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if loaded.Conversation.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", loaded.Conversation.Len())
	}
	if loaded.Conversation.Messages()[0].Text() != "hello" {
		t.Fatalf("unexpected first message: %+v", loaded.Conversation.Messages()[0])
	}
}

// TestReplaceConversationAtomic is testable property #2: a concurrent
// GetSession during ReplaceConversation sees either the pre- or post-state,
// never a partial one.
func TestReplaceConversationAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/tmp", "desc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.AddMessage(ctx, sess.ID, conversation.NewUserText("pre")); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	newConv := conversation.New([]conversation.Message{
		conversation.NewAssistantText("summary"),
		conversation.NewUserText("continue"),
	})

	var wg sync.WaitGroup
	results := make(chan int, 50)
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			loaded, err := s.GetSession(ctx, sess.ID, true)
			if err != nil {
				continue
			}
			results <- loaded.Conversation.Len()
		}
	}()

	if err := s.ReplaceConversation(ctx, sess.ID, newConv); err != nil {
		t.Fatalf("ReplaceConversation: %v", err)
	}
	close(stop)
	wg.Wait()
	close(results)

	for n := range results {
		if n != 5 && n != 2 {
			t.Fatalf("observed partial conversation state with %d messages", n)
		}
	}
}

func TestUpdateSessionNoFieldsIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/tmp", "desc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.UpdateSession(sess.ID).Apply(ctx); err != nil {
		t.Fatalf("Apply with no fields should be a no-op: %v", err)
	}
}

func TestCompactionTokenBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/tmp", "desc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	out := 200
	err = s.UpdateSession(sess.ID).
		InputTokens(out).
		OutputTokens(nil).
		TotalTokens(out).
		AccumulatedTotalTokens(7600).
		Apply(ctx)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	loaded, err := s.GetSession(ctx, sess.ID, false)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if loaded.OutputTokens != nil {
		t.Fatalf("expected OutputTokens nil after compaction, got %v", *loaded.OutputTokens)
	}
	if loaded.InputTokens != 200 || loaded.TotalTokens != 200 {
		t.Fatalf("unexpected token counters: %+v", loaded)
	}
}

func TestListSessionsExcludesEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	empty, err := s.CreateSession(ctx, "/tmp", "empty")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	withMsg, err := s.CreateSession(ctx, "/tmp", "has message")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.AddMessage(ctx, withMsg.ID, conversation.NewUserText("hi")); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, e := range list {
		if e.ID == empty.ID {
			t.Fatalf("expected empty session %s to be excluded", empty.ID)
		}
	}
	found := false
	for _, e := range list {
		if e.ID == withMsg.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session %s in list", withMsg.ID)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.DeleteSession(ctx, "20260101_999"); err == nil {
		t.Fatalf("expected NotFound error deleting nonexistent session")
	}
}
