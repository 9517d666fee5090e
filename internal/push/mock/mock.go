// Package mock provides a recording test double for the push.Adapter
// interface.
package mock

import (
	"context"
	"sync"

	"github.com/kotoha-ai/kotoha/internal/push"
)

// Adapter is a mock implementation of push.Adapter. Zero values make every
// method succeed; set the Err fields to inject delivery failures.
type Adapter struct {
	mu sync.Mutex

	// VoiceFileErr, if non-nil, is returned from PushVoiceFile.
	VoiceFileErr error

	// ReminderErr, if non-nil, is returned from PushInactivityReminder.
	ReminderErr error

	// ActivatedErr, if non-nil, is returned from PushSessionActivated.
	ActivatedErr error

	// VoiceFiles records every PushVoiceFile event in delivery order.
	VoiceFiles []push.VoiceFileReady

	// Reminders records every PushInactivityReminder event in order.
	Reminders []push.InactivityReminder

	// Activations records every PushSessionActivated event in order.
	Activations []push.SessionActivated
}

// PushVoiceFile records the event and returns VoiceFileErr.
func (a *Adapter) PushVoiceFile(_ context.Context, ev push.VoiceFileReady) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.VoiceFiles = append(a.VoiceFiles, ev)
	return a.VoiceFileErr
}

// PushInactivityReminder records the event and returns ReminderErr.
func (a *Adapter) PushInactivityReminder(_ context.Context, ev push.InactivityReminder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Reminders = append(a.Reminders, ev)
	return a.ReminderErr
}

// PushSessionActivated records the event and returns ActivatedErr.
func (a *Adapter) PushSessionActivated(_ context.Context, ev push.SessionActivated) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Activations = append(a.Activations, ev)
	return a.ActivatedErr
}

// SentVoiceFiles returns a copy of the recorded voice file events. Thread-safe.
func (a *Adapter) SentVoiceFiles() []push.VoiceFileReady {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]push.VoiceFileReady, len(a.VoiceFiles))
	copy(out, a.VoiceFiles)
	return out
}

// SentReminders returns a copy of the recorded reminder events. Thread-safe.
func (a *Adapter) SentReminders() []push.InactivityReminder {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]push.InactivityReminder, len(a.Reminders))
	copy(out, a.Reminders)
	return out
}

// SentActivations returns a copy of the recorded activation events. Thread-safe.
func (a *Adapter) SentActivations() []push.SessionActivated {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]push.SessionActivated, len(a.Activations))
	copy(out, a.Activations)
	return out
}

// Reset clears all recorded events. Thread-safe.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.VoiceFiles = nil
	a.Reminders = nil
	a.Activations = nil
}

// Ensure Adapter implements push.Adapter at compile time.
var _ push.Adapter = (*Adapter)(nil)
