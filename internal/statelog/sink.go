// Package statelog persists per-node turn state snapshots for debugging and
// replay. Every snapshot is written twice under the session's directory: an
// opaque gob blob for exact replay and a best-effort JSON rendering for human
// inspection.
//
// Snapshots are diagnostic only. Write failures are logged at warn level and
// never surface to the executor.
package statelog

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/message"
)

func init() {
	// Extra maps hold interface values; register the concrete types the core
	// puts there so gob round-trips them.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
}

// Sink writes state snapshots beneath a root directory, one subdirectory per
// session. Writes within a session are serialized; distinct sessions may
// snapshot concurrently.
type Sink struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

// sessionLog serializes writes and tracks the last issued timestamp so that
// snapshot filenames are strictly increasing within a session.
type sessionLog struct {
	mu     sync.Mutex
	lastMS int64
}

// Option configures a [Sink].
type Option func(*Sink)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// NewSink creates a sink rooted at dir.
func NewSink(dir string, opts ...Option) *Sink {
	s := &Sink{
		root:     dir,
		logger:   slog.Default(),
		sessions: make(map[string]*sessionLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ graph.Sink = (*Sink)(nil)

// Snapshot writes the `{ms}_{label}.bin` and `{ms}_{label}.json` pair for one
// node invocation. File payload bytes are stripped before anything touches
// disk. Failures are logged and swallowed.
func (s *Sink) Snapshot(sessionID, label string, st graph.State) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("statelog: create session dir failed",
			"session_id", sessionID, "error", err)
		return
	}

	ms := time.Now().UnixMilli()
	if ms <= sess.lastMS {
		ms = sess.lastMS + 1
	}
	sess.lastMS = ms

	snap := st.Clone()
	snap.Files = message.StripBytes(snap.Files)

	base := filepath.Join(dir, fmt.Sprintf("%d_%s", ms, label))
	s.writeGob(base+".bin", sessionID, label, snap)
	s.writeJSON(base+".json", sessionID, label, snap)
}

func (s *Sink) writeGob(path, sessionID, label string, snap graph.State) {
	f, err := os.Create(path)
	if err != nil {
		s.logger.Warn("statelog: create snapshot failed",
			"session_id", sessionID, "label", label, "error", err)
		return
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		s.logger.Warn("statelog: encode snapshot failed",
			"session_id", sessionID, "label", label, "error", err)
	}
}

func (s *Sink) writeJSON(path, sessionID, label string, snap graph.State) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		// Some Extra value resisted serialization; substitute type names and
		// try once more.
		data, err = json.MarshalIndent(sanitizeState(snap), "", "  ")
		if err != nil {
			s.logger.Warn("statelog: marshal snapshot failed",
				"session_id", sessionID, "label", label, "error", err)
			return
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("statelog: write snapshot failed",
			"session_id", sessionID, "label", label, "error", err)
	}
}

// ReadBinary decodes a gob snapshot previously written by the sink. Intended
// for replay tooling and tests.
func ReadBinary(path string) (graph.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return graph.State{}, fmt.Errorf("statelog: open snapshot: %w", err)
	}
	defer f.Close()
	var st graph.State
	if err := gob.NewDecoder(f).Decode(&st); err != nil {
		return graph.State{}, fmt.Errorf("statelog: decode snapshot: %w", err)
	}
	return st, nil
}

func (s *Sink) session(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &sessionLog{}
		s.sessions[sessionID] = sess
	}
	return sess
}

// sanitizeState returns a copy of st whose message extras are guaranteed to
// be JSON-serializable: values that cannot be marshalled are replaced with
// their Go type name.
func sanitizeState(st graph.State) graph.State {
	out := st.Clone()
	for i, m := range out.Messages {
		for k, v := range m.Extra {
			out.Messages[i].Extra[k] = sanitizeValue(v)
		}
	}
	return out
}

func sanitizeValue(v any) any {
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			out[k] = sanitizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return fmt.Sprintf("<%T>", v)
	}
}
