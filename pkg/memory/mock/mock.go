// Package mock provides an in-memory test double for [memory.Store].
//
// The mock keeps every saved record so tests can inspect what the system
// under test persisted, records each method call, and exposes exported
// fields that force errors or canned results. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("SaveConversation"); got != 1 {
//	    t.Errorf("expected 1 SaveConversation call, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/rememberme/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu      sync.Mutex
	calls   []Call
	records []memory.Record

	// SaveErr is returned by SaveConversation when non-nil; nothing is stored.
	SaveErr error

	// RecentErr is returned by RecentRecords when non-nil.
	RecentErr error

	// SearchResult is returned by SearchRecords. When nil, every stored
	// record with an embedding is returned with distance 0.
	SearchResult []memory.ScoredRecord

	// SearchErr is returned by SearchRecords when non-nil.
	SearchErr error

	// OnSave, when set, is called after a successful save.
	OnSave func(memory.Record)
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// SaveConversation implements [memory.Store].
func (m *Store) SaveConversation(_ context.Context, conv memory.Conversation, sum memory.Summary) error {
	m.mu.Lock()
	m.record("SaveConversation", conv, sum)
	if m.SaveErr != nil {
		err := m.SaveErr
		m.mu.Unlock()
		return err
	}
	rec := memory.Record{Conversation: conv, Summary: sum}
	m.records = append(m.records, rec)
	onSave := m.OnSave
	m.mu.Unlock()

	if onSave != nil {
		onSave(rec)
	}
	return nil
}

// RecentRecords implements [memory.Store] over the saved records.
func (m *Store) RecentRecords(_ context.Context, since time.Time, limit int) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentRecords", since, limit)
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}

	out := []memory.Record{}
	for _, r := range m.records {
		if !r.Conversation.StartTime.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Conversation.StartTime.After(out[j].Conversation.StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchRecords implements [memory.Store].
func (m *Store) SearchRecords(_ context.Context, embedding []float32, limit int) ([]memory.ScoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SearchRecords", embedding, limit)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult != nil {
		return m.SearchResult, nil
	}
	out := []memory.ScoredRecord{}
	for _, r := range m.records {
		if len(r.Summary.Embedding) > 0 {
			out = append(out, memory.ScoredRecord{Record: r})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRecord implements [memory.Store].
func (m *Store) GetRecord(_ context.Context, conversationID string) (memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetRecord", conversationID)
	for _, r := range m.records {
		if r.Conversation.ID == conversationID {
			return r, nil
		}
	}
	return memory.Record{}, memory.ErrNotFound
}

// Records returns a copy of everything saved so far, in save order.
func (m *Store) Records() []memory.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Seed stores records directly, bypassing call recording.
func (m *Store) Seed(records ...memory.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

// Calls returns a copy of all recorded calls.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
