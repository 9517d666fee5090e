// Package memory defines the long-term conversation store the agent core
// consumes.
//
// The store keeps two things: an append-only per-session transcript of
// everything the user and the assistant said, and an opaque textual memory
// snapshot maintained by an external consolidation process. The core only
// ever reads the snapshot; absence of one simply means this is the first
// conversation.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// kotoha internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Order is the sort direction for conversation retrieval.
type Order string

const (
	// OrderNewestFirst returns the most recent conversations first.
	OrderNewestFirst Order = "newest_first"
	// OrderOldestFirst returns conversations in chronological order.
	OrderOldestFirst Order = "oldest_first"
)

// ConversationMeta carries the metadata of one completed conversation.
type ConversationMeta struct {
	// StartTime is the timestamp of the first message in the conversation.
	StartTime time.Time
	// EndTime is the timestamp of the last message in the conversation.
	EndTime time.Time
	// Participant is the display name of the human participant.
	Participant string
}

// Conversation is one completed per-session exchange, rendered as a single
// text block with one "{sender}: {text}" line per message.
type Conversation struct {
	SessionID string
	Text      string
	Meta      ConversationMeta
}

// SearchResult is one semantic-search hit over stored messages.
type SearchResult struct {
	// SessionID is the session the matched message belongs to.
	SessionID string
	// Text is the matched message content.
	Text string
	// Sender is who produced the matched message.
	Sender Sender
	// Timestamp is when the message was recorded.
	Timestamp time.Time
	// Distance is the cosine distance to the query; lower is more similar.
	Distance float64
}

// Store is the abstraction over the long-term conversation memory backend.
type Store interface {
	// LoadLatestSnapshot returns the most recent textual memory snapshot.
	// A missing snapshot is not an error: it returns ("", nil) and means
	// no long-term memory has been consolidated yet.
	LoadLatestSnapshot(ctx context.Context) (string, error)

	// SaveSnapshot stores a new memory snapshot, superseding older ones.
	SaveSnapshot(ctx context.Context, content string) error

	// RecentConversations returns up to limit completed conversations in the
	// requested order. A limit of 0 applies the implementation's default.
	RecentConversations(ctx context.Context, limit int, order Order) ([]Conversation, error)

	// AppendMessage appends one message to the session's transcript. files
	// holds attachment file names; extras carries open key/value metadata
	// (e.g. the participant display name under "participant").
	AppendMessage(ctx context.Context, sessionID string, sender Sender, text string, files []string, extras map[string]string) error

	// SearchConversations returns the k stored messages semantically closest
	// to query, most similar first.
	SearchConversations(ctx context.Context, query string, k int) ([]SearchResult, error)
}
