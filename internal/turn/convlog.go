package turn

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kotoha-ai/kotoha/internal/message"
)

// ConvLog writes the human-readable conversation transcript, one append-only
// text file per session under the session's directory. Like state snapshots,
// the log is diagnostic: write failures are logged at warn level and never
// fail the turn.
type ConvLog struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	paths map[string]string
}

// ConvLogOption is a functional option for ConvLog.
type ConvLogOption func(*ConvLog)

// WithConvLogLogger sets the slog logger for diagnostics.
func WithConvLogLogger(l *slog.Logger) ConvLogOption {
	return func(c *ConvLog) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConvLogClock replaces the wall clock; tests pin it for stable file
// names and line timestamps.
func WithConvLogClock(now func() time.Time) ConvLogOption {
	return func(c *ConvLog) {
		if now != nil {
			c.now = now
		}
	}
}

// NewConvLog creates a conversation log rooted at dir.
func NewConvLog(dir string, opts ...ConvLogOption) *ConvLog {
	c := &ConvLog{
		root:   dir,
		logger: slog.Default(),
		now:    time.Now,
		paths:  make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Append writes one transcript line for sessionID. files adds the optional
// attachment suffix lines on user messages; fileInfo is the short attachment
// summary, files the descriptors with their model descriptions.
func (c *ConvLog) Append(sessionID, sender, text, fileInfo string, files []message.FileDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, ok := c.paths[sessionID]
	if !ok {
		dir := filepath.Join(c.root, sessionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.logger.Warn("conversation log: create session dir",
				"session_id", sessionID, "error", err)
			return
		}
		path = filepath.Join(dir, fmt.Sprintf("session_%s.txt", c.now().Format("20060102_150405")))
		c.paths[sessionID] = path
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s\n", c.now().Format(time.RFC3339), sender, text)
	if fileInfo != "" {
		fmt.Fprintf(&b, "(file info: %s)\n", fileInfo)
	}
	if len(files) > 0 {
		entries := make([]string, 0, len(files))
		for _, f := range files {
			entry := f.Filename
			if f.Description != "" {
				entry += ": " + f.Description
			}
			entries = append(entries, entry)
		}
		fmt.Fprintf(&b, "(attached files: %s)\n", strings.Join(entries, ", "))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Warn("conversation log: open",
			"session_id", sessionID, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		c.logger.Warn("conversation log: write",
			"session_id", sessionID, "error", err)
	}
}

// Path returns the log file path for sessionID, or "" before the first
// append.
func (c *ConvLog) Path(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[sessionID]
}
