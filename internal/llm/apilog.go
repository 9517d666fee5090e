package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// APILogger persists one JSON file per provider exchange under a log
// directory, for offline inspection of what was actually sent to and
// received from the model. Write failures are logged at warn level and
// never propagated; a broken log directory must not fail a turn.
//
// A nil *APILogger is valid and drops every record.
type APILogger struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	lastNano int64
}

// APILoggerOption configures an [APILogger].
type APILoggerOption func(*APILogger)

// WithAPILogLogger sets the slog logger used for write-failure diagnostics.
func WithAPILogLogger(l *slog.Logger) APILoggerOption {
	return func(a *APILogger) {
		a.logger = l
	}
}

// NewAPILogger creates a logger that writes exchange files under dir.
func NewAPILogger(dir string, opts ...APILoggerOption) *APILogger {
	a := &APILogger{dir: dir, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// apiExchange is the on-disk record of one provider call.
type apiExchange struct {
	APIName   string    `json:"api_name"`
	Timestamp time.Time `json:"timestamp"`
	Request   any       `json:"request"`
	Response  any       `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Log writes one exchange record named {api_name}_{nanos}.json. Credential
// fields in the request and response are replaced with "[REDACTED]". Called
// on success and failure alike.
func (a *APILogger) Log(apiName string, req, resp any, callErr error) {
	if a == nil {
		return
	}

	rec := apiExchange{
		APIName:   apiName,
		Timestamp: time.Now().UTC(),
		Request:   redact(req),
	}
	if resp != nil {
		rec.Response = redact(resp)
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		a.logger.Warn("api log: marshal exchange", "api_name", apiName, "error", err)
		return
	}

	a.mu.Lock()
	nano := time.Now().UnixNano()
	if nano <= a.lastNano {
		nano = a.lastNano + 1
	}
	a.lastNano = nano
	a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		a.logger.Warn("api log: create directory", "dir", a.dir, "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", apiName, nano)
	if err := os.WriteFile(filepath.Join(a.dir, name), data, 0o644); err != nil {
		a.logger.Warn("api log: write exchange", "file", name, "error", err)
	}
}

// redactedKeys are JSON object keys whose values never reach the log.
var redactedKeys = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"api-key":       {},
	"apikey":        {},
	"x-api-key":     {},
	"token":         {},
	"access_token":  {},
}

// redact round-trips v through JSON and replaces credential values. Values
// that cannot be marshalled are substituted with their type name.
func redact(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%T>", v)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return string(data)
	}
	return redactValue(doc)
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if _, hit := redactedKeys[strings.ToLower(k)]; hit {
				t[k] = "[REDACTED]"
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = redactValue(val)
		}
		return t
	default:
		return v
	}
}
