// Package turn glues one conversation turn together: it seeds the graph
// executor, persists the exchange to the conversation log and the long-term
// memory store, hands the reply to speech synthesis, and re-arms the
// inactivity timer with the decision node's chosen timeout.
package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/message"
	"github.com/kotoha-ai/kotoha/internal/push"
	"github.com/kotoha-ai/kotoha/internal/session"
	"github.com/kotoha-ai/kotoha/internal/speech"
	"github.com/kotoha-ai/kotoha/pkg/memory"
)

// DefaultInactivityTimeout is the reminder delay used when a turn fails
// before the decision node could choose one.
const DefaultInactivityTimeout = 60

// ApologyText is the user-visible reply when a turn fails fatally.
const ApologyText = "I'm sorry, something went wrong on my side. Could you say that again?"

// FallbackReminderText is pushed when a reminder turn itself fails; the user
// still hears something rather than silence.
const FallbackReminderText = "Hey, are you still there? I'm here whenever you feel like talking."

// TurnInput is one inbound turn from the transport layer.
type TurnInput struct {
	SessionID string
	Text      string
	Files     []message.FileDescriptor

	IsAutoResponse       bool
	IsInactivityReminder bool
}

// TurnResult is what the transport returns to the client.
type TurnResult struct {
	Response          string `json:"response"`
	Success           bool   `json:"success"`
	InactivityTimeout int    `json:"inactivity_timeout"`
}

// Config wires a Coordinator's collaborators. Executor, Registry, and
// Sessions are required; the rest degrade gracefully when nil.
type Config struct {
	Executor   *graph.Executor
	Registry   *graph.Registry
	Sessions   *session.Manager
	Store      memory.Store
	ConvLog    *ConvLog
	Dispatcher *speech.Dispatcher
	Push       push.Adapter
	Sink       graph.Sink
	Logger     *slog.Logger
}

// Coordinator runs turns end to end. Safe for concurrent use; each turn is
// independent apart from the session manager's timer state.
type Coordinator struct {
	exec       *graph.Executor
	registry   *graph.Registry
	sessions   *session.Manager
	store      memory.Store
	convlog    *ConvLog
	dispatcher *speech.Dispatcher
	pusher     push.Adapter
	sink       graph.Sink
	logger     *slog.Logger

	speechWG sync.WaitGroup
}

// NewCoordinator creates a Coordinator from cfg and installs its reminder
// pipeline on the session manager.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		exec:       cfg.Executor,
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		store:      cfg.Store,
		convlog:    cfg.ConvLog,
		dispatcher: cfg.Dispatcher,
		pusher:     cfg.Push,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.sessions.SetReminderFunc(c.HandleReminder)
	return c
}

// HandleTurn runs one turn through the graph and performs the post-turn
// steps: persistence, speech dispatch, and timer re-arm.
func (c *Coordinator) HandleTurn(ctx context.Context, in TurnInput) TurnResult {
	initial := graph.State{
		InputText:            in.Text,
		Files:                in.Files,
		AvailableNodes:       c.registry.ListPublic(),
		InactivityTimeout:    DefaultInactivityTimeout,
		IsAutoResponse:       in.IsAutoResponse,
		IsInactivityReminder: in.IsInactivityReminder,
	}

	final := c.exec.Run(ctx, in.SessionID, initial)

	// The transcript is about to be persisted and spoken; a malformed message
	// is worth a warning, but the reply still goes out.
	if err := message.ValidateAll(final.Messages); err != nil {
		c.logger.Warn("final transcript failed validation",
			"session_id", in.SessionID, "error", err)
	}

	if !final.Success && final.Response == "" {
		if in.IsInactivityReminder {
			final.Response = FallbackReminderText
		} else {
			final.Response = ApologyText
		}
		final.InactivityTimeout = DefaultInactivityTimeout
		c.logger.Warn("turn failed, replying with fallback",
			"session_id", in.SessionID, "error", final.Err)
	}

	c.persist(ctx, in, final)

	if c.sink != nil {
		c.sink.Snapshot(in.SessionID, "final_state", final)
	}

	if c.dispatcher != nil && final.Response != "" {
		response := final.Response
		c.speechWG.Add(1)
		go func() {
			defer c.speechWG.Done()
			// The turn has returned by the time synthesis finishes; the
			// dispatch deliberately outlives the request context.
			if err := c.dispatcher.Dispatch(context.Background(), response, in.SessionID); err != nil {
				c.logger.Warn("speech dispatch",
					"session_id", in.SessionID, "error", err)
			}
		}()
	}

	c.sessions.Arm(in.SessionID, final.InactivityTimeout)

	return TurnResult{
		Response:          final.Response,
		Success:           final.Success,
		InactivityTimeout: final.InactivityTimeout,
	}
}

// HandleReminder is the session manager's reminder pipeline: it runs an
// empty-input turn flagged as an inactivity reminder and pushes the reply on
// the reminder channel.
func (c *Coordinator) HandleReminder(ctx context.Context, sessionID string) {
	res := c.HandleTurn(ctx, TurnInput{
		SessionID:            sessionID,
		IsAutoResponse:       true,
		IsInactivityReminder: true,
	})

	if c.pusher == nil {
		return
	}
	ev := push.InactivityReminder{
		Response:  res.Response,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	if err := c.pusher.PushInactivityReminder(ctx, ev); err != nil {
		c.logger.Warn("push inactivity reminder",
			"session_id", sessionID, "error", err)
	}
}

// Activate binds a transport connection to a client session, makes it the
// active session, and confirms the activation on the push channel.
func (c *Coordinator) Activate(ctx context.Context, transportID, sessionID string) {
	c.sessions.OnSessionActivate(transportID, sessionID)
	if c.pusher == nil {
		return
	}
	ev := push.SessionActivated{SessionID: sessionID, Timestamp: time.Now()}
	if err := c.pusher.PushSessionActivated(ctx, ev); err != nil {
		c.logger.Warn("push session activated",
			"session_id", sessionID, "error", err)
	}
}

// Disconnect forwards a transport disconnect to the session manager.
func (c *Coordinator) Disconnect(transportID string) {
	c.sessions.OnDisconnect(transportID)
}

// Close waits for in-flight speech deliveries to finish. Call it during
// shutdown after the transport has stopped accepting turns.
func (c *Coordinator) Close() {
	c.speechWG.Wait()
}

// persist writes the exchange to the conversation log and the memory store.
// Nothing is persisted for a turn that produced no reply; diagnostics aside,
// persistence failures never fail the turn.
func (c *Coordinator) persist(ctx context.Context, in TurnInput, final graph.State) {
	if final.Response == "" {
		return
	}

	fileInfo := lastHumanFileInfo(final.Messages)
	filenames := make([]string, 0, len(final.Files))
	for _, f := range final.Files {
		filenames = append(filenames, f.Filename)
	}

	if in.Text != "" {
		if c.convlog != nil {
			c.convlog.Append(in.SessionID, "user", in.Text, fileInfo, final.Files)
		}
		if c.store != nil {
			if err := c.store.AppendMessage(ctx, in.SessionID, memory.SenderUser, in.Text, filenames, nil); err != nil {
				c.logger.Warn("persist user message",
					"session_id", in.SessionID, "error", err)
			}
		}
	}

	if c.convlog != nil {
		c.convlog.Append(in.SessionID, "assistant", final.Response, "", nil)
	}
	if c.store != nil {
		if err := c.store.AppendMessage(ctx, in.SessionID, memory.SenderAssistant, final.Response, nil, nil); err != nil {
			c.logger.Warn("persist assistant message",
				"session_id", in.SessionID, "error", err)
		}
	}
}

// lastHumanFileInfo returns the attachment summary the decision node stamped
// on the latest human message, if any.
func lastHumanFileInfo(msgs []message.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind != message.KindHuman {
			continue
		}
		if s, ok := msgs[i].Extra[message.ExtraFileInfo].(string); ok {
			return s
		}
		return ""
	}
	return ""
}
