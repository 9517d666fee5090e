// Package voicevox provides a speech.Synthesizer backed by a VOICEVOX-style
// HTTP engine. Each sentence fragment is rendered with the engine's two-step
// protocol: POST /audio_query builds the synthesis query from the text, and
// POST /synthesis renders that query to WAV bytes.
//
// The first fragment of a reply is synthesized synchronously so playback can
// start as early as possible; the remaining fragments are rendered by a small
// bounded worker pool and reported through the fragment callback as they
// complete. Ordering is the caller's job (see speech.OrderedBuffer).
//
// Typical usage:
//
//	synth := voicevox.New("http://127.0.0.1:50021", voiceDir,
//	    voicevox.WithConcurrency(2),
//	    voicevox.WithTimeout(30*time.Second),
//	)
//	err := synth.Synthesize(ctx, reply, 10, buf.Add)
package voicevox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kotoha-ai/kotoha/internal/observe"
	"github.com/kotoha-ai/kotoha/internal/speech"
)

// Compile-time interface assertion.
var _ speech.Synthesizer = (*Client)(nil)

const (
	audioQueryEndpoint = "/audio_query"
	synthesisEndpoint  = "/synthesis"

	// DefaultSpeaker is the engine speaker used when the caller passes a
	// non-positive voice id.
	DefaultSpeaker = 10

	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 2
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for engine calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithConcurrency caps how many fragments past the first are rendered in
// parallel. Defaults to 2.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the slog logger for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for per-fragment synthesis latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Client talks to one VOICEVOX-compatible engine and writes fragment WAV
// files under dir. Safe for concurrent use.
type Client struct {
	baseURL     string
	dir         string
	httpClient  *http.Client
	concurrency int
	logger      *slog.Logger
	metrics     *observe.Metrics
}

// New creates a Client for the engine at baseURL, writing WAV files to dir.
func New(baseURL, dir string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		dir:         dir,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
		metrics:     observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Synthesize implements [speech.Synthesizer]. A fragment that fails to render
// is logged and reported with an empty Path so the delivery order can move
// past it; the error return fires only when not a single fragment could be
// produced.
func (c *Client) Synthesize(ctx context.Context, text string, voiceID int, onFragment speech.FragmentFunc) error {
	if voiceID <= 0 {
		voiceID = DefaultSpeaker
	}
	fragments := speech.SplitSentences(text)
	if len(fragments) == 0 {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("voicevox: create voice dir: %w", err)
	}

	produced := 0

	// The first fragment renders synchronously so the client can start
	// playback while the rest is still in flight.
	path, err := c.renderFragment(ctx, fragments[0], voiceID, 0)
	if err != nil {
		c.logger.Warn("voicevox: render fragment", "index", 0, "error", err)
		onFragment(speech.Fragment{Index: 0})
	} else {
		produced++
		onFragment(speech.Fragment{Path: path, Index: 0})
	}

	if len(fragments) > 1 {
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for i := 1; i < len(fragments); i++ {
			g.Go(func() error {
				path, err := c.renderFragment(gctx, fragments[i], voiceID, i)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					c.logger.Warn("voicevox: render fragment", "index", i, "error", err)
					onFragment(speech.Fragment{Index: i})
					return nil
				}
				produced++
				onFragment(speech.Fragment{Path: path, Index: i})
				return nil
			})
		}
		// Errors are handled per fragment; Wait only joins the pool.
		_ = g.Wait()
	}

	if produced == 0 {
		return fmt.Errorf("voicevox: no fragment of %d could be synthesized", len(fragments))
	}
	return nil
}

// renderFragment performs the audio_query + synthesis round-trip for one
// sentence and writes the WAV file.
func (c *Client) renderFragment(ctx context.Context, text string, voiceID, index int) (string, error) {
	start := time.Now()

	query, err := c.audioQuery(ctx, text, voiceID)
	if err != nil {
		return "", err
	}
	wav, err := c.synthesis(ctx, query, voiceID)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("temp_voice_%d_%s.wav", index, uuid.NewString()[:8])
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}

	c.metrics.RecordSynthesisDuration(ctx, time.Since(start))
	c.logger.Debug("voicevox: fragment rendered",
		"index", index, "file", name, "bytes", len(wav),
		"duration_ms", time.Since(start).Milliseconds())
	return path, nil
}

// audioQuery builds the synthesis query for text. The engine takes the text
// as a query parameter and returns the query document as JSON.
func (c *Client) audioQuery(ctx context.Context, text string, voiceID int) ([]byte, error) {
	u := c.baseURL + audioQueryEndpoint + "?" + url.Values{
		"text":    {text},
		"speaker": {strconv.Itoa(voiceID)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("audio_query request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio_query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("audio_query: status %d: %s", resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}

// synthesis renders the query document to WAV bytes.
func (c *Client) synthesis(ctx context.Context, query []byte, voiceID int) ([]byte, error) {
	u := c.baseURL + synthesisEndpoint + "?" + url.Values{
		"speaker": {strconv.Itoa(voiceID)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("synthesis: status %d: %s", resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}

// CleanTempDir removes stale fragment WAV files left over from a previous
// run. A missing directory is not an error.
func CleanTempDir(dir string) error {
	for _, pattern := range []string{"temp_voice_*.wav", "output_voice_*.wav"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("voicevox: clean temp dir: %w", err)
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("voicevox: clean temp dir: %w", err)
			}
		}
	}
	return nil
}
