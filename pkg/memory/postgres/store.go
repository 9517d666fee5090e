package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/kotoha-ai/kotoha/pkg/memory"
	"github.com/kotoha-ai/kotoha/pkg/provider/embeddings"
)

// defaultRecentLimit caps RecentConversations when the caller passes 0.
const defaultRecentLimit = 5

// defaultSearchK caps SearchConversations when the caller passes 0.
const defaultSearchK = 5

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed conversation memory store. Messages are
// embedded on write via the configured embeddings provider; an embedding
// failure degrades the row to text-only (it stays retrievable by recency,
// just not by similarity) rather than failing the append.
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	logger   *slog.Logger
}

// Option is a functional option for Store.
type Option func(*Store)

// WithLogger sets the slog logger for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] with the embedder's output dimension.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("postgres store: embedder must not be nil")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:     pool,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadLatestSnapshot implements [memory.Store]. A database without any
// snapshot yet returns ("", nil).
func (s *Store) LoadLatestSnapshot(ctx context.Context) (string, error) {
	const q = `
		SELECT content
		FROM   memory_snapshots
		ORDER  BY created_at DESC, id DESC
		LIMIT  1`

	var content string
	err := s.pool.QueryRow(ctx, q).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: load snapshot: %w", err)
	}
	return content, nil
}

// SaveSnapshot implements [memory.Store].
func (s *Store) SaveSnapshot(ctx context.Context, content string) error {
	const q = `INSERT INTO memory_snapshots (content) VALUES ($1)`
	if _, err := s.pool.Exec(ctx, q, content); err != nil {
		return fmt.Errorf("postgres store: save snapshot: %w", err)
	}
	return nil
}

// AppendMessage implements [memory.Store]. The message text is embedded for
// later semantic search; when embedding fails the row is written without a
// vector and the failure is logged at warn level.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, sender memory.Sender, text string, files []string, extras map[string]string) error {
	if sessionID == "" {
		return fmt.Errorf("postgres store: sessionID must not be empty")
	}
	if files == nil {
		files = []string{}
	}
	if extras == nil {
		extras = map[string]string{}
	}

	var vec *pgvector.Vector
	if text != "" {
		emb, err := s.embedder.Embed(ctx, text)
		if err != nil {
			s.logger.Warn("postgres store: embed message",
				"session_id", sessionID, "error", err)
		} else {
			v := pgvector.NewVector(emb)
			vec = &v
		}
	}

	const q = `
		INSERT INTO conversation_messages
		    (session_id, sender, text, files, extras, participant, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		string(sender),
		text,
		files,
		extras,
		extras["participant"],
		vec,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}
	return nil
}

// RecentConversations implements [memory.Store]. Messages are grouped per
// session into one text block with a "{sender}: {text}" line per message.
func (s *Store) RecentConversations(ctx context.Context, limit int, order memory.Order) ([]memory.Conversation, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	const q = `
		SELECT session_id,
		       string_agg(sender || ': ' || text, E'\n' ORDER BY timestamp, id) AS text,
		       min(timestamp) AS start_time,
		       max(timestamp) AS end_time,
		       max(participant) AS participant
		FROM   conversation_messages
		GROUP  BY session_id
		ORDER  BY end_time DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent conversations: %w", err)
	}

	conversations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Conversation, error) {
		var c memory.Conversation
		err := row.Scan(
			&c.SessionID,
			&c.Text,
			&c.Meta.StartTime,
			&c.Meta.EndTime,
			&c.Meta.Participant,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan conversations: %w", err)
	}

	if order == memory.OrderOldestFirst {
		slices.Reverse(conversations)
	}
	return conversations, nil
}

// SearchConversations implements [memory.Store]. The query is embedded and
// matched against stored message vectors by cosine distance.
func (s *Store) SearchConversations(ctx context.Context, query string, k int) ([]memory.SearchResult, error) {
	if k <= 0 {
		k = defaultSearchK
	}

	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: embed query: %w", err)
	}

	const q = `
		SELECT session_id, sender, text, timestamp,
		       embedding <=> $1 AS distance
		FROM   conversation_messages
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(emb), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search conversations: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SearchResult, error) {
		var (
			r      memory.SearchResult
			sender string
		)
		if err := row.Scan(&r.SessionID, &sender, &r.Text, &r.Timestamp, &r.Distance); err != nil {
			return memory.SearchResult{}, err
		}
		r.Sender = memory.Sender(sender)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan results: %w", err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return results, nil
}
