// Package mock provides a test double for the memory.Store interface.
//
// Use Store to feed canned snapshots, conversations, and search hits without
// a live database, and to verify what the core persisted.
//
// Example:
//
//	s := &mock.Store{
//	    Snapshot: "The user likes rainy days.",
//	    Recent:   []memory.Conversation{{SessionID: "s1", Text: "user: hi"}},
//	}
//	snap, _ := s.LoadLatestSnapshot(ctx)
package mock

import (
	"context"
	"maps"
	"sync"

	"github.com/kotoha-ai/kotoha/pkg/memory"
)

// AppendCall records a single invocation of AppendMessage.
type AppendCall struct {
	SessionID string
	Sender    memory.Sender
	Text      string
	Files     []string
	Extras    map[string]string
}

// SearchCall records a single invocation of SearchConversations.
type SearchCall struct {
	Query string
	K     int
}

// Store is a mock implementation of memory.Store.
// Zero values make every method succeed with empty results.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Snapshot is returned by LoadLatestSnapshot.
	Snapshot string

	// SnapshotErr, if non-nil, is returned as the error from LoadLatestSnapshot.
	SnapshotErr error

	// SaveSnapshotErr, if non-nil, is returned as the error from SaveSnapshot.
	SaveSnapshotErr error

	// Recent is returned by RecentConversations (truncated to limit).
	Recent []memory.Conversation

	// RecentErr, if non-nil, is returned as the error from RecentConversations.
	RecentErr error

	// AppendErr, if non-nil, is returned as the error from AppendMessage.
	AppendErr error

	// SearchResults is returned by SearchConversations (truncated to k).
	SearchResults []memory.SearchResult

	// SearchErr, if non-nil, is returned as the error from SearchConversations.
	SearchErr error

	// --- Call records (read after test) ---

	// SavedSnapshots records every content passed to SaveSnapshot in order.
	SavedSnapshots []string

	// AppendCalls records every invocation of AppendMessage in order.
	AppendCalls []AppendCall

	// SearchCalls records every invocation of SearchConversations in order.
	SearchCalls []SearchCall

	// RecentCallCount is the number of times RecentConversations was called.
	RecentCallCount int

	// SnapshotCallCount is the number of times LoadLatestSnapshot was called.
	SnapshotCallCount int
}

// LoadLatestSnapshot records the call and returns Snapshot, SnapshotErr.
func (s *Store) LoadLatestSnapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SnapshotCallCount++
	return s.Snapshot, s.SnapshotErr
}

// SaveSnapshot records the content and returns SaveSnapshotErr.
func (s *Store) SaveSnapshot(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SavedSnapshots = append(s.SavedSnapshots, content)
	return s.SaveSnapshotErr
}

// RecentConversations records the call and returns up to limit entries of
// Recent in the configured slice order.
func (s *Store) RecentConversations(ctx context.Context, limit int, order memory.Order) ([]memory.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecentCallCount++
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	out := s.Recent
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]memory.Conversation, len(out))
	copy(cp, out)
	return cp, nil
}

// AppendMessage records the call and returns AppendErr.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, sender memory.Sender, text string, files []string, extras map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := AppendCall{
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		Files:     append([]string(nil), files...),
	}
	if extras != nil {
		call.Extras = maps.Clone(extras)
	}
	s.AppendCalls = append(s.AppendCalls, call)
	return s.AppendErr
}

// SearchConversations records the call and returns up to k of SearchResults.
func (s *Store) SearchConversations(ctx context.Context, query string, k int) ([]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{Query: query, K: k})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	out := s.SearchResults
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	cp := make([]memory.SearchResult, len(out))
	copy(cp, out)
	return cp, nil
}

// Appended returns a copy of the recorded AppendMessage calls. Thread-safe.
func (s *Store) Appended() []AppendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppendCall, len(s.AppendCalls))
	copy(out, s.AppendCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SavedSnapshots = nil
	s.AppendCalls = nil
	s.SearchCalls = nil
	s.RecentCallCount = 0
	s.SnapshotCallCount = 0
}

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)
