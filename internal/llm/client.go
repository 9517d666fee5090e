// Package llm drives structured chat completions against a configured
// provider: it converts the running transcript into the provider's chat
// format, packages image attachments for vision-capable models, extracts
// the JSON document from the raw completion, and validates it against a
// compiled output schema.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kotoha-ai/kotoha/internal/message"
	"github.com/kotoha-ai/kotoha/internal/observe"
	llmprov "github.com/kotoha-ai/kotoha/pkg/provider/llm"
)

// Client wraps an [llmprov.Provider] with transcript conversion, JSON
// extraction, schema validation, and exchange logging.
type Client struct {
	provider    llmprov.Provider
	apiLog      *APILogger
	logger      *slog.Logger
	metrics     *observe.Metrics
	temperature *float64
	maxTokens   int
}

// Option configures a [Client].
type Option func(*Client)

// WithAPILogger sets the exchange logger. Without one, exchanges are not
// persisted.
func WithAPILogger(a *APILogger) Option {
	return func(c *Client) {
		c.apiLog = a
	}
}

// WithLogger sets the slog logger for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTemperature sets the sampling temperature for every completion.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// WithMaxTokens caps the completion length. Zero means provider default.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// NewClient creates a client over the given provider.
func NewClient(p llmprov.Provider, opts ...Option) *Client {
	c := &Client{
		provider: p,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Invoke runs one completion over the given transcript and returns the raw
// JSON document extracted from the response.
//
// The transcript is converted message by message into the provider's chat
// format. Providers without a tool role get tool results down-converted to
// system messages. When the provider supports vision and files contain
// image payloads, the images are attached to the most recent user message
// as inline base64 data.
//
// When schema is non-nil the extracted document is validated against it; a
// violation (or a completion with no parseable JSON at all) returns a
// [*SchemaError]. When schema is nil the completion body is returned as-is.
//
// Every exchange is written to the API log under apiName, on failure too.
func (c *Client) Invoke(ctx context.Context, apiName string, systemPrompts []string, transcript []message.Message, files []message.FileDescriptor, schema *jsonschema.Schema) ([]byte, error) {
	caps := c.provider.Capabilities()

	msgs := convertTranscript(transcript, caps)
	if caps.SupportsVision {
		attachImages(msgs, files)
	}

	req := llmprov.CompletionRequest{
		SystemPrompts: systemPrompts,
		Messages:      msgs,
		Temperature:   c.temperature,
		MaxTokens:     c.maxTokens,
	}

	start := time.Now()
	resp, err := c.provider.Complete(ctx, req)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordLLMRequest(ctx, apiName, status)
	c.metrics.RecordLLMDuration(ctx, apiName, elapsed)
	c.apiLog.Log(apiName, req, resp, err)

	if err != nil {
		return nil, fmt.Errorf("llm: %s completion: %w", apiName, err)
	}

	c.logger.Debug("completion received",
		"api_name", apiName,
		"model", resp.Model,
		"duration", elapsed,
		"total_tokens", resp.Usage.TotalTokens,
	)

	if schema == nil {
		return []byte(resp.Content), nil
	}

	raw, ok := ExtractJSON(resp.Content)
	if !ok {
		return nil, &SchemaError{Raw: resp.Content, Err: fmt.Errorf("no parseable JSON in completion")}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{Raw: string(raw), Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &SchemaError{Raw: string(raw), Err: err}
	}
	return raw, nil
}

// convertTranscript maps the internal message kinds onto provider chat
// roles. Tool messages keep their role, name, and call id when the provider
// accepts a tool role; otherwise they become system messages carrying the
// tool name in a text prefix so the model can still attribute the result.
func convertTranscript(ms []message.Message, caps llmprov.ModelCapabilities) []llmprov.Message {
	out := make([]llmprov.Message, 0, len(ms))
	for _, m := range ms {
		switch m.Kind {
		case message.KindHuman:
			out = append(out, llmprov.Message{Role: llmprov.RoleUser, Content: m.Content})
		case message.KindAssistant:
			out = append(out, llmprov.Message{Role: llmprov.RoleAssistant, Content: m.Content})
		case message.KindSystem:
			out = append(out, llmprov.Message{Role: llmprov.RoleSystem, Content: m.Content})
		case message.KindTool:
			if caps.SupportsToolRole {
				out = append(out, llmprov.Message{
					Role:       llmprov.RoleTool,
					Content:    m.Content,
					Name:       m.ToolName,
					ToolCallID: m.ToolCallID,
				})
			} else {
				out = append(out, llmprov.Message{
					Role:    llmprov.RoleSystem,
					Content: "Tool \"" + m.ToolName + "\" result:\n" + m.Content,
				})
			}
		}
	}
	return out
}

// attachImages puts the image payloads from files onto the most recent user
// message as multipart content. Non-image files and descriptors whose bytes
// were already stripped are ignored.
func attachImages(msgs []llmprov.Message, files []message.FileDescriptor) {
	var images []llmprov.ImagePart
	for _, f := range files {
		if f.Kind == message.FileKindImage && len(f.Bytes) > 0 {
			images = append(images, llmprov.ImagePart{MIME: f.MIME, Data: f.Bytes})
		}
	}
	if len(images) == 0 {
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llmprov.RoleUser {
			msgs[i].Images = images
			return
		}
	}
}
