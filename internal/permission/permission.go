// Package permission implements the per-tool user policy store and the
// in-flight confirmation channel the reply loop blocks on while a host
// approves or denies a pending tool call.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Policy is the persisted decision for one (user, tool) pair.
type Policy string

const (
	AlwaysAllow Policy = "always_allow"
	AskBefore   Policy = "ask_before"
	NeverAllow  Policy = "never_allow"
)

// Outcome is the host's answer to a pending confirmation request.
type Outcome string

const (
	AllowOnce          Outcome = "allow_once"
	AlwaysAllowOutcome Outcome = "always_allow"
	DenyOnce           Outcome = "deny_once"
	AlwaysDeny         Outcome = "always_deny"
	Cancel             Outcome = "cancel"
)

// Store persists per-tool policy to a JSON file under the config directory
// and serializes access with a mutex, the same file-backed convention as
// the credentials store.
type Store struct {
	mu       sync.Mutex
	path     string
	policies map[string]Policy

	pending sync.Map // requestID -> chan Outcome
}

// Open loads (or initializes) the policy file at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, policies: map[string]Policy{}}

	data, err := os.ReadFile(path) //nolint:gosec // path from validated config dir
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.policies); err != nil {
		return nil, fmt.Errorf("decode permission store: %w", err)
	}
	return s, nil
}

// Get returns the stored policy for toolName, or AskBefore if unset.
func (s *Store) Get(toolName string) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[toolName]; ok {
		return p
	}
	return AskBefore
}

// Set persists a policy for toolName.
func (s *Store) Set(toolName string, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[toolName] = p
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.policies, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// Request registers a pending confirmation keyed by requestID and returns a
// channel the caller blocks on. HandleConfirmation delivers the outcome;
// cancelling ctx or calling CancelAll yields Cancel.
func (s *Store) Request(ctx context.Context, requestID string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	s.pending.Store(requestID, ch)

	go func() {
		<-ctx.Done()
		if _, loaded := s.pending.LoadAndDelete(requestID); loaded {
			select {
			case ch <- Cancel:
			default:
			}
		}
	}()

	return ch
}

// HandleConfirmation is the host callback: it delivers outcome to the
// pending request keyed by requestID. On AlwaysAllow/AlwaysDeny it persists
// the policy before returning. Unknown request ids are logged and ignored
// (the requester likely already timed out).
func (s *Store) HandleConfirmation(toolName, requestID string, outcome Outcome) {
	switch outcome {
	case AlwaysAllowOutcome:
		if err := s.Set(toolName, AlwaysAllow); err != nil {
			log.Warn().Err(err).Str("tool", toolName).Msg("failed to persist always-allow policy")
		}
	case AlwaysDeny:
		if err := s.Set(toolName, NeverAllow); err != nil {
			log.Warn().Err(err).Str("tool", toolName).Msg("failed to persist always-deny policy")
		}
	}

	v, ok := s.pending.LoadAndDelete(requestID)
	if !ok {
		log.Warn().Str("request_id", requestID).Msg("confirmation for unknown or expired request")
		return
	}
	ch := v.(chan Outcome)
	select {
	case ch <- outcome:
	default:
	}
}

// CancelAll cancels every outstanding confirmation, used when the reply
// loop is dropped (e.g. session shutdown): one reply slot per request id,
// and dropping the loop cancels every outstanding slot.
func (s *Store) CancelAll() {
	s.pending.Range(func(key, value any) bool {
		ch := value.(chan Outcome)
		select {
		case ch <- Cancel:
		default:
		}
		s.pending.Delete(key)
		return true
	})
}
