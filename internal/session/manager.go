// Package session tracks which client session is active and owns the single
// inactivity timer of the process.
//
// At most one session is active and at most one timer is armed at any
// instant; activating a session or arming a new timer cancels whatever timer
// was pending. When the timer fires it re-checks the active session under the
// manager's mutex and silently drops the fire if another session has taken
// over in the meantime.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kotoha-ai/kotoha/internal/observe"
)

// ReminderFunc runs the reminder pipeline for the session whose inactivity
// timer fired. It executes on the timer's own goroutine, outside the
// manager's mutex.
type ReminderFunc func(ctx context.Context, sessionID string)

// Manager is the process-wide session and inactivity-timer authority.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	active       string
	lastActivity time.Time

	timer        *time.Timer
	timerSession string

	// timerGen identifies the current arm. Every arm and cancel bumps it, so
	// a fire callback that was already in flight when the timer changed hands
	// sees a stale generation and must not touch manager state.
	timerGen uint64

	// transports maps transport connection ids to client session ids.
	transports map[string]string

	remind   ReminderFunc
	timeUnit time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// Option is a functional option for Manager.
type Option func(*Manager)

// WithLogger sets the slog logger for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for timer lifecycle events.
func WithMetrics(mx *observe.Metrics) Option {
	return func(m *Manager) {
		if mx != nil {
			m.metrics = mx
		}
	}
}

// WithTimerUnit scales timeout seconds by the given unit instead of
// time.Second. Tests use milliseconds to keep timer scenarios fast.
func WithTimerUnit(unit time.Duration) Option {
	return func(m *Manager) {
		if unit > 0 {
			m.timeUnit = unit
		}
	}
}

// NewManager creates a Manager with no active session and no armed timer.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		transports: make(map[string]string),
		timeUnit:   time.Second,
		logger:     slog.Default(),
		metrics:    observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetReminderFunc installs the reminder pipeline invoked on timer fire.
// Must be called before the first Arm; typically once during startup.
func (m *Manager) SetReminderFunc(fn ReminderFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remind = fn
}

// SetActive makes sessionID the active session, cancelling any pending
// timer. Idempotent for the same id, but the cancel still happens.
func (m *Manager) SetActive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.active = sessionID
	m.lastActivity = time.Now()
}

// Active returns the current active session id, or "" when none.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Arm activates sessionID and arms the inactivity timer for the given number
// of seconds. Non-positive seconds leave no timer armed (the previous one is
// still cancelled).
func (m *Manager) Arm(sessionID string, seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.active = sessionID
	m.lastActivity = time.Now()

	if seconds <= 0 {
		return
	}

	m.timerGen++
	gen := m.timerGen
	m.timerSession = sessionID
	m.timer = time.AfterFunc(time.Duration(seconds)*m.timeUnit, func() {
		m.fire(gen, sessionID, seconds)
	})
	m.metrics.RecordTimerEvent(context.Background(), observe.TimerArmed)
	m.logger.Debug("inactivity timer armed", "session_id", sessionID, "seconds", seconds)
}

// Cancel cancels the pending timer, if any. The active session is unchanged.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.logger.Debug("inactivity timer cancelled", "session_id", sessionID)
}

// OnSessionActivate binds a transport connection to a client session and
// makes that session active.
func (m *Manager) OnSessionActivate(transportID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[transportID] = sessionID
	m.cancelLocked()
	m.active = sessionID
	m.lastActivity = time.Now()
	m.logger.Info("session activated",
		"transport_id", transportID, "session_id", sessionID)
}

// OnDisconnect resolves the transport connection to its client session. When
// that session is the active one, the timer is cancelled and the active
// session is cleared.
func (m *Manager) OnDisconnect(transportID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.transports[transportID]
	delete(m.transports, transportID)
	if !ok {
		m.logger.Warn("disconnect from unknown transport", "transport_id", transportID)
		return
	}
	if sessionID != m.active {
		return
	}
	m.cancelLocked()
	m.active = ""
	m.logger.Info("active session disconnected", "session_id", sessionID)
}

// fire is the timer callback. The generation and active-session gates run
// under the mutex; the reminder pipeline itself runs outside it.
func (m *Manager) fire(gen uint64, sessionID string, seconds int) {
	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		m.metrics.RecordTimerEvent(context.Background(), observe.TimerDropped)
		m.logger.Debug("inactivity timer dropped, superseded by a newer arm",
			"armed_for", sessionID)
		return
	}
	m.timer = nil
	m.timerSession = ""
	if sessionID != m.active {
		active := m.active
		m.mu.Unlock()
		m.metrics.RecordTimerEvent(context.Background(), observe.TimerDropped)
		m.logger.Debug("inactivity timer dropped, session superseded",
			"armed_for", sessionID, "active", active)
		return
	}
	remind := m.remind
	m.mu.Unlock()

	m.metrics.RecordTimerEvent(context.Background(), observe.TimerFired)
	m.logger.Info("inactivity timer fired",
		"session_id", sessionID, "seconds", seconds)

	if remind != nil {
		remind(context.Background(), sessionID)
	}
}

// cancelLocked stops and clears the pending timer. The generation bump
// invalidates a fire callback that already left AfterFunc but has not taken
// the mutex yet. Callers hold m.mu.
func (m *Manager) cancelLocked() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.timerSession = ""
	m.timerGen++
	m.metrics.RecordTimerEvent(context.Background(), observe.TimerCancelled)
}
