package voicevox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/kotoha-ai/kotoha/internal/speech"
)

// newEngine starts a fake VOICEVOX engine. Each audio_query echoes the text;
// each synthesis returns WAV-ish bytes derived from the query.
func newEngine(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("speaker") == "" {
			http.Error(w, "missing speaker", http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": r.URL.Query().Get("text")})
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "content type", http.StatusUnsupportedMediaType)
			return
		}
		var q map[string]string
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFF" + q["text"]))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func collectFragments(mu *sync.Mutex, out *[]speech.Fragment) speech.FragmentFunc {
	return func(f speech.Fragment) {
		mu.Lock()
		defer mu.Unlock()
		*out = append(*out, f)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	srv := newEngine(t)
	dir := t.TempDir()
	c := New(srv.URL, dir)

	var (
		mu   sync.Mutex
		got  []speech.Fragment
		text = "こんにちは。いい天気だね！散歩する？"
	)
	if err := c.Synthesize(context.Background(), text, 10, collectFragments(&mu, &got)); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d fragments, want 3", len(got))
	}

	sort.Slice(got, func(i, j int) bool { return got[i].Index < got[j].Index })
	for i, f := range got {
		if f.Index != i {
			t.Errorf("fragment indices not contiguous: %v", got)
		}
		base := filepath.Base(f.Path)
		if !strings.HasPrefix(base, "temp_voice_") || !strings.HasSuffix(base, ".wav") {
			t.Errorf("unexpected file name %q", base)
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			t.Fatalf("fragment file missing: %v", err)
		}
		if !strings.HasPrefix(string(data), "RIFF") {
			t.Errorf("fragment %d does not contain the engine's WAV bytes", i)
		}
	}
}

func TestSynthesize_SingleSentence(t *testing.T) {
	t.Parallel()

	srv := newEngine(t)
	c := New(srv.URL, t.TempDir())

	var (
		mu  sync.Mutex
		got []speech.Fragment
	)
	if err := c.Synthesize(context.Background(), "Just one.", 10, collectFragments(&mu, &got)); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d fragments, want 1", len(got))
	}
	if got[0].Index != 0 || got[0].Path == "" {
		t.Errorf("single fragment = %+v, want index 0 with a rendered file", got[0])
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	srv := newEngine(t)
	c := New(srv.URL, t.TempDir())

	called := false
	err := c.Synthesize(context.Background(), "   ", 10, func(speech.Fragment) { called = true })
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if called {
		t.Error("no fragments expected for blank text")
	}
}

func TestSynthesize_DefaultSpeaker(t *testing.T) {
	t.Parallel()

	var gotSpeaker string
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		gotSpeaker = r.URL.Query().Get("speaker")
		json.NewEncoder(w).Encode(map[string]string{"text": "x"})
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("RIFF"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, t.TempDir())
	if err := c.Synthesize(context.Background(), "hi.", 0, func(speech.Fragment) {}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotSpeaker != "10" {
		t.Errorf("speaker = %q, want the default %d", gotSpeaker, DefaultSpeaker)
	}
}

func TestSynthesize_EngineDownFailsWhenNothingProduced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine not ready", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, t.TempDir())
	var (
		mu  sync.Mutex
		got []speech.Fragment
	)
	err := c.Synthesize(context.Background(), "one. two.", 10, collectFragments(&mu, &got))
	if err == nil {
		t.Fatal("expected error when no fragment could be synthesized")
	}

	// Every fragment is still reported as a failure placeholder so a
	// consumer tracking order is not left waiting.
	if len(got) != 2 {
		t.Fatalf("got %d fragments, want 2 placeholders", len(got))
	}
	for _, f := range got {
		if f.Path != "" {
			t.Errorf("fragment %d has path %q, want empty", f.Index, f.Path)
		}
	}
}

func TestSynthesize_FailedFragmentReportedAsPlaceholder(t *testing.T) {
	t.Parallel()

	// The engine rejects one specific sentence; the others render normally.
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("text"), "two") {
			http.Error(w, "bad sentence", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": r.URL.Query().Get("text")})
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("RIFF"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, t.TempDir())
	var (
		mu  sync.Mutex
		got []speech.Fragment
	)
	if err := c.Synthesize(context.Background(), "one. two. three.", 10, collectFragments(&mu, &got)); err != nil {
		t.Fatalf("a partial failure must not fail the call: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d fragments, want 3", len(got))
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Index < got[j].Index })
	if got[1].Path != "" {
		t.Errorf("failed fragment path = %q, want an empty placeholder", got[1].Path)
	}
	if got[0].Path == "" || got[2].Path == "" {
		t.Error("surviving fragments must still carry rendered files")
	}
}

func TestCleanTempDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stale := []string{"temp_voice_0_aaaa.wav", "temp_voice_3_bbbb.wav", "output_voice_1_cccc.wav"}
	for _, name := range stale {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	keep := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(keep, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CleanTempDir(dir); err != nil {
		t.Fatalf("CleanTempDir: %v", err)
	}

	for _, name := range stale {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("unrelated files must survive cleanup")
	}

	if err := CleanTempDir(filepath.Join(dir, "does-not-exist")); err != nil {
		t.Errorf("missing directory must not be an error: %v", err)
	}
}
