// Package memory defines the persisted record of the patient's conversations
// and the [Store] contract that backends implement.
//
// One dispatched segment produces one [Conversation] (who spoke, when, what
// was said) and one [Summary] (the patient-facing text plus clinical fields
// for caregivers). Summaries may carry an embedding so assistants can search
// them by meaning.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("memory: not found")

// Store persists conversations with their summaries and answers the queries
// the caregiver tools need.
type Store interface {
	// SaveConversation writes conv and sum atomically. sum.ConversationID must
	// equal conv.ID.
	SaveConversation(ctx context.Context, conv Conversation, sum Summary) error

	// RecentRecords returns records whose conversation started at or after
	// since, newest first. A limit of 0 means no limit.
	RecentRecords(ctx context.Context, since time.Time, limit int) ([]Record, error)

	// SearchRecords returns up to limit records whose summary embedding is
	// closest to embedding, most similar first. Records without an embedding
	// are never returned.
	SearchRecords(ctx context.Context, embedding []float32, limit int) ([]ScoredRecord, error)

	// GetRecord returns the record for a conversation ID or [ErrNotFound].
	GetRecord(ctx context.Context, conversationID string) (Record, error)
}
