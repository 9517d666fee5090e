package turn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kotoha-ai/kotoha/internal/message"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestConvLog_AppendCreatesSessionFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	at := time.Date(2026, time.August, 24, 15, 4, 5, 0, time.UTC)
	c := NewConvLog(dir, WithConvLogClock(fixedClock(at)))

	c.Append("session-a", "user", "hello there", "", nil)

	path := c.Path("session-a")
	want := filepath.Join(dir, "session-a", "session_20260824_150405.txt")
	if path != want {
		t.Errorf("Path = %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := "[" + at.Format(time.RFC3339) + "] user: hello there\n"
	if string(data) != line {
		t.Errorf("log content = %q, want %q", data, line)
	}
}

func TestConvLog_AppendAccumulates(t *testing.T) {
	t.Parallel()

	c := NewConvLog(t.TempDir())
	c.Append("s", "user", "first", "", nil)
	c.Append("s", "assistant", "second", "", nil)

	data, err := os.ReadFile(c.Path("s"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}
	if !strings.HasSuffix(lines[0], "user: first") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "assistant: second") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestConvLog_FileSuffixLines(t *testing.T) {
	t.Parallel()

	c := NewConvLog(t.TempDir())
	files := []message.FileDescriptor{
		{Filename: "cat.jpg", Description: "a sleeping cat"},
		{Filename: "notes.txt"},
	}
	c.Append("s", "user", "look at this", "2 file(s) attached (.jpg, .txt)", files)

	data, err := os.ReadFile(c.Path("s"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "(file info: 2 file(s) attached (.jpg, .txt))\n") {
		t.Errorf("missing file info line:\n%s", got)
	}
	if !strings.Contains(got, "(attached files: cat.jpg: a sleeping cat, notes.txt)\n") {
		t.Errorf("missing attached files line:\n%s", got)
	}
}

func TestConvLog_SessionsAreIsolated(t *testing.T) {
	t.Parallel()

	c := NewConvLog(t.TempDir())
	c.Append("session-a", "user", "only in a", "", nil)
	c.Append("session-b", "user", "only in b", "", nil)

	dataA, err := os.ReadFile(c.Path("session-a"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(dataA), "only in b") {
		t.Error("session-a log contains session-b's line")
	}
	if c.Path("session-a") == c.Path("session-b") {
		t.Error("sessions must log to distinct files")
	}
}

func TestConvLog_PathBeforeFirstAppend(t *testing.T) {
	t.Parallel()

	c := NewConvLog(t.TempDir())
	if got := c.Path("never-seen"); got != "" {
		t.Errorf("Path = %q, want empty before first append", got)
	}
}

func TestConvLog_UnwritableRootDoesNotPanic(t *testing.T) {
	t.Parallel()

	c := NewConvLog(filepath.Join(t.TempDir(), "blocked", "\x00bad"))
	c.Append("s", "user", "hello", "", nil)
	if got := c.Path("s"); got != "" {
		t.Errorf("Path = %q, want empty after failed create", got)
	}
}
