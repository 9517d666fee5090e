package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kotoha-ai/kotoha/internal/message"
	"github.com/kotoha-ai/kotoha/internal/observe"
)

// DefaultMaxAttempts is how many times a node is invoked before the turn is
// given up on.
const DefaultMaxAttempts = 10

// Sink receives state snapshots after every completed node invocation.
// Snapshots are diagnostic only: implementations must swallow their own
// failures and never block the turn on them.
type Sink interface {
	Snapshot(sessionID, label string, st State)
}

// nopSink is used when no sink is configured.
type nopSink struct{}

func (nopSink) Snapshot(string, string, State) {}

// turnAborter is implemented by errors that abort the turn immediately
// instead of being retried: message shape violations and LLM schema
// violations.
type turnAborter interface {
	AbortsTurn() bool
}

// Executor drives a turn [State] through the node graph. Within one turn the
// loop is strictly sequential; concurrent turns for different sessions may
// run in parallel. The executor keeps a per-session transcript cache so a
// fresh initial state is seeded with the session's running conversation.
type Executor struct {
	reg         *Registry
	sink        Sink
	logger      *slog.Logger
	metrics     *observe.Metrics
	maxAttempts int

	mu          sync.Mutex
	transcripts map[string][]message.Message
}

// ExecutorOption configures a new [Executor].
type ExecutorOption func(*Executor)

// WithSink installs the snapshot sink. Without it snapshots are discarded.
func WithSink(s Sink) ExecutorOption {
	return func(e *Executor) { e.sink = s }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithMaxAttempts overrides the per-node invocation cap.
func WithMaxAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		reg:         reg,
		sink:        nopSink{},
		logger:      slog.Default(),
		metrics:     observe.DefaultMetrics(),
		maxAttempts: DefaultMaxAttempts,
		transcripts: make(map[string][]message.Message),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives initial through the graph until a node routes to
// [TerminatorNode] or the turn fails. Entry is always [EntryNode]. The
// returned state carries Success, Response, and the full transcript.
//
// When initial.Messages is empty the transcript is seeded from the session's
// cached conversation; the final transcript is written back to the cache on
// every return path.
func (e *Executor) Run(ctx context.Context, sessionID string, initial State) State {
	st := initial
	if len(st.Messages) == 0 {
		st.Messages = e.Transcript(sessionID)
	}
	defer func(start time.Time) {
		e.metrics.RecordTurnDuration(ctx, time.Since(start))
	}(time.Now())

	current := EntryNode
	for {
		if current == TerminatorNode {
			// Terminator pass-through: no handler, no validation, no snapshot.
			st.Success = true
			break
		}

		handler, ok := e.reg.Handler(current)
		if !ok {
			st.Success = false
			st.Err = fmt.Sprintf("graph: unknown node %q", current)
			e.logger.Error("routing to unknown node",
				"session_id", sessionID, "node", current)
			break
		}

		st, ok = e.runNode(ctx, sessionID, current, handler, st)
		if !ok {
			break
		}

		if st.NextNode == "" {
			st.Success = false
			st.Err = fmt.Sprintf("graph: node %q did not set next_node", current)
			break
		}
		current = st.NextNode
	}

	e.storeTranscript(sessionID, st.Messages)
	return st
}

// runNode invokes one node with the retry and rollback wrapper. It returns
// the successor state and whether the loop should continue.
func (e *Executor) runNode(ctx context.Context, sessionID, node string, handler HandlerFunc, st State) (State, bool) {
	pre := st.Clone()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		start := time.Now()
		out, err := handler(ctx, st.Clone())
		elapsed := time.Since(start)

		if err == nil {
			if verr := message.ValidateAll(out.Messages); verr != nil {
				err = verr
			}
		}

		if err == nil && out.Success {
			e.sink.Snapshot(sessionID, node, out)
			e.metrics.RecordNodeDuration(ctx, node, elapsed)
			return out, true
		}

		// Rollback: the pre-call state survives, only the error is kept.
		errText := failureText(out, err)
		st = pre.Clone()
		st.Success = false
		st.Err = errText

		var abort turnAborter
		if errors.As(err, &abort) && abort.AbortsTurn() {
			e.logger.Warn("node aborted turn",
				"session_id", sessionID, "node", node, "error", errText)
			return st, false
		}
		if ctx.Err() != nil {
			st.Err = errText + ": " + ctx.Err().Error()
			return st, false
		}

		e.metrics.AddNodeRetry(ctx, node)
		e.logger.Warn("node failed, retrying",
			"session_id", sessionID, "node", node,
			"attempt", attempt, "max_attempts", e.maxAttempts,
			"error", errText)
	}

	e.sink.Snapshot(sessionID, node+"_failed", st)
	e.logger.Error("node retries exhausted",
		"session_id", sessionID, "node", node, "error", st.Err)
	return st, false
}

// Transcript returns a deep copy of the cached transcript for sessionID.
func (e *Executor) Transcript(sessionID string) []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return message.CloneAll(e.transcripts[sessionID])
}

func (e *Executor) storeTranscript(sessionID string, msgs []message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcripts[sessionID] = message.CloneAll(msgs)
}

func failureText(out State, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case out.Err != "":
		return out.Err
	default:
		return "node reported failure"
	}
}
