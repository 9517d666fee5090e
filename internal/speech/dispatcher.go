package speech

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kotoha-ai/kotoha/internal/push"
)

// Dispatcher runs one reply through the synthesizer and pushes the resulting
// fragments, in order, to the session that asked.
type Dispatcher struct {
	synth   Synthesizer
	adapter push.Adapter
	voiceID int
	logger  *slog.Logger
}

// DispatcherOption is a functional option for Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithVoiceID sets the synthesizer voice. Defaults to 0, the backend default.
func WithVoiceID(id int) DispatcherOption {
	return func(d *Dispatcher) {
		d.voiceID = id
	}
}

// WithDispatcherLogger sets the slog logger for diagnostics.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher wires a synthesizer to a push adapter.
func NewDispatcher(synth Synthesizer, adapter push.Adapter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		synth:   synth,
		adapter: adapter,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch synthesizes text and pushes every fragment to sessionID in index
// order. It blocks until synthesis completes. Push failures are logged and do
// not interrupt the remaining fragments.
func (d *Dispatcher) Dispatch(ctx context.Context, text, sessionID string) error {
	if text == "" {
		return nil
	}

	buf := NewOrderedBuffer(func(frag Fragment) {
		ev := push.VoiceFileReady{
			Filename:  filepath.Base(frag.Path),
			Index:     frag.Index,
			IsLast:    frag.IsLast,
			SessionID: sessionID,
		}
		if err := d.adapter.PushVoiceFile(ctx, ev); err != nil {
			d.logger.Warn("push voice file",
				"session_id", sessionID, "index", frag.Index, "error", err)
		}
	})

	if err := d.synth.Synthesize(ctx, text, d.voiceID, buf.Add); err != nil {
		return fmt.Errorf("speech: synthesize: %w", err)
	}
	buf.Close()
	if n := buf.Pending(); n > 0 {
		d.logger.Warn("speech fragments never became deliverable",
			"session_id", sessionID, "held", n)
	}
	return nil
}
