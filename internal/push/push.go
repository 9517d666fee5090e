// Package push defines the event types the core pushes to connected clients
// and the Adapter interface a transport implements to deliver them. The core
// never talks to a socket directly; it hands events to an Adapter and the
// transport addresses them.
package push

import (
	"context"
	"time"
)

// VoiceFileReady announces one synthesized speech fragment. Fragments of one
// reply are delivered in index order; IsLast is true only on the final
// fragment.
type VoiceFileReady struct {
	Filename  string `json:"filename"`
	Index     int    `json:"index"`
	IsLast    bool   `json:"is_last"`
	SessionID string `json:"target_session_id"`
}

// InactivityReminder carries a spontaneous assistant utterance to the session
// whose timer fired.
type InactivityReminder struct {
	Response  string    `json:"response"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionActivated confirms that a transport connection is now bound to a
// client session.
type SessionActivated struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Adapter delivers core events to the transport. Implementations address
// events to the named session only and must be safe for concurrent use.
// Delivery is best-effort: a slow or vanished client never blocks the core.
type Adapter interface {
	PushVoiceFile(ctx context.Context, ev VoiceFileReady) error
	PushInactivityReminder(ctx context.Context, ev InactivityReminder) error
	PushSessionActivated(ctx context.Context, ev SessionActivated) error
}
