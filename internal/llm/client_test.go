package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/kotoha-ai/kotoha/internal/message"
	llmprov "github.com/kotoha-ai/kotoha/pkg/provider/llm"
	llmmock "github.com/kotoha-ai/kotoha/pkg/provider/llm/mock"
)

const validDecision = `{"planning": {"requires_tool": false, "tool_name": null}, "response": "hi", "inactivity_timeout": 60}`

// ── transcript conversion ─────────────────────────────────────────────────────

// TestInvoke_ConvertsTranscript checks the kind-to-role mapping and that
// system prompts travel separately from the conversation.
func TestInvoke_ConvertsTranscript(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse:  &llmprov.CompletionResponse{Content: validDecision},
		ModelCapabilities: llmprov.ModelCapabilities{SupportsToolRole: true},
	}
	c := NewClient(p)

	transcript := []message.Message{
		message.NewHuman("entry", "what's the weather?"),
		message.NewSystem("unified_response", "action: weather_search"),
		message.NewTool("weather_search", "weather_search", "sunny, 24 degrees"),
		message.NewAssistant("unified_response", "It is sunny."),
	}

	schema, err := CompileSchema("decision.json", []byte(testSchema))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	if _, err := c.Invoke(context.Background(), "decision", []string{"persona"}, transcript, nil, schema); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(calls))
	}
	req := calls[0].Req
	if len(req.SystemPrompts) != 1 || req.SystemPrompts[0] != "persona" {
		t.Errorf("SystemPrompts = %v, want [persona]", req.SystemPrompts)
	}

	wantRoles := []string{llmprov.RoleUser, llmprov.RoleSystem, llmprov.RoleTool, llmprov.RoleAssistant}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(req.Messages))
	}
	for i, want := range wantRoles {
		if req.Messages[i].Role != want {
			t.Errorf("messages[%d].Role = %q, want %q", i, req.Messages[i].Role, want)
		}
	}
	tool := req.Messages[2]
	if tool.Name != "weather_search" {
		t.Errorf("tool message Name = %q, want weather_search", tool.Name)
	}
	if tool.ToolCallID == "" {
		t.Error("tool message lost its call id")
	}
}

// TestInvoke_DownConvertsToolMessages checks the system-message fallback for
// providers without a tool role.
func TestInvoke_DownConvertsToolMessages(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse:  &llmprov.CompletionResponse{Content: validDecision},
		ModelCapabilities: llmprov.ModelCapabilities{SupportsToolRole: false},
	}
	c := NewClient(p)

	transcript := []message.Message{
		message.NewTool("weather_search", "weather_search", "sunny, 24 degrees"),
	}
	if _, err := c.Invoke(context.Background(), "decision", nil, transcript, nil, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	req := p.Calls()[0].Req
	if len(req.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(req.Messages))
	}
	got := req.Messages[0]
	if got.Role != llmprov.RoleSystem {
		t.Errorf("Role = %q, want system", got.Role)
	}
	want := "Tool \"weather_search\" result:\nsunny, 24 degrees"
	if got.Content != want {
		t.Errorf("Content = %q, want %q", got.Content, want)
	}
}

// ── image handling ────────────────────────────────────────────────────────────

// TestInvoke_AttachesImagesToLatestUserMessage covers the vision path.
func TestInvoke_AttachesImagesToLatestUserMessage(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse:  &llmprov.CompletionResponse{Content: validDecision},
		ModelCapabilities: llmprov.ModelCapabilities{SupportsVision: true, SupportsToolRole: true},
	}
	c := NewClient(p)

	transcript := []message.Message{
		message.NewHuman("entry", "older question"),
		message.NewAssistant("unified_response", "older answer"),
		message.NewHuman("entry", "what is in this picture?"),
	}
	files := []message.FileDescriptor{
		message.NewFileDescriptor("photo.png", "image/png", []byte{0x89, 0x50}),
		message.NewFileDescriptor("notes.txt", "text/plain", []byte("ignore me")),
	}

	if _, err := c.Invoke(context.Background(), "decision", nil, transcript, files, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	req := p.Calls()[0].Req
	if len(req.Messages[0].Images) != 0 {
		t.Error("images attached to an older user message")
	}
	latest := req.Messages[2]
	if len(latest.Images) != 1 {
		t.Fatalf("expected 1 image on the latest user message, got %d", len(latest.Images))
	}
	if latest.Images[0].MIME != "image/png" {
		t.Errorf("image MIME = %q, want image/png", latest.Images[0].MIME)
	}
}

// TestInvoke_SkipsImagesWithoutVision checks that non-vision providers never
// receive image parts.
func TestInvoke_SkipsImagesWithoutVision(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse:  &llmprov.CompletionResponse{Content: validDecision},
		ModelCapabilities: llmprov.ModelCapabilities{SupportsVision: false},
	}
	c := NewClient(p)

	transcript := []message.Message{message.NewHuman("entry", "describe this")}
	files := []message.FileDescriptor{
		message.NewFileDescriptor("photo.png", "image/png", []byte{0x89, 0x50}),
	}

	if _, err := c.Invoke(context.Background(), "decision", nil, transcript, files, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(p.Calls()[0].Req.Messages[0].Images) != 0 {
		t.Error("images must not be attached for a non-vision provider")
	}
}

// ── schema handling ───────────────────────────────────────────────────────────

// TestInvoke_ReturnsValidatedJSON checks extraction from a fenced completion.
func TestInvoke_ReturnsValidatedJSON(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{
			Content: "Sure!\n```json\n" + validDecision + "\n```",
		},
	}
	c := NewClient(p)

	schema, err := CompileSchema("decision.json", []byte(testSchema))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	raw, err := c.Invoke(context.Background(), "decision", nil, []message.Message{message.NewHuman("entry", "hi")}, nil, schema)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != validDecision {
		t.Errorf("Invoke = %q, want %q", raw, validDecision)
	}
}

// TestInvoke_PlainTextCompletion checks that a completion with no JSON at
// all surfaces as a *SchemaError.
func TestInvoke_PlainTextCompletion(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{Content: "hello!"},
	}
	c := NewClient(p)

	schema, err := CompileSchema("decision.json", []byte(testSchema))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	_, err = c.Invoke(context.Background(), "decision", nil, []message.Message{message.NewHuman("entry", "hi")}, nil, schema)

	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if se.Raw != "hello!" {
		t.Errorf("SchemaError.Raw = %q, want the raw completion body", se.Raw)
	}
}

// TestInvoke_SchemaViolation checks that well-formed JSON with the wrong
// shape surfaces as a *SchemaError carrying the extracted document.
func TestInvoke_SchemaViolation(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{Content: `{"response": "hi"}`},
	}
	c := NewClient(p)

	schema, err := CompileSchema("decision.json", []byte(testSchema))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	_, err = c.Invoke(context.Background(), "decision", nil, []message.Message{message.NewHuman("entry", "hi")}, nil, schema)

	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if se.Raw != `{"response": "hi"}` {
		t.Errorf("SchemaError.Raw = %q, want the extracted document", se.Raw)
	}
}

// TestInvoke_NoSchemaReturnsBody checks the schema-less passthrough.
func TestInvoke_NoSchemaReturnsBody(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{Content: "free-form text"},
	}
	c := NewClient(p)

	raw, err := c.Invoke(context.Background(), "chat", nil, []message.Message{message.NewHuman("entry", "hi")}, nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != "free-form text" {
		t.Errorf("Invoke = %q, want the untouched body", raw)
	}
}

// ── provider failures ─────────────────────────────────────────────────────────

// TestInvoke_ProviderError checks that transport failures are wrapped, not
// turned into schema errors.
func TestInvoke_ProviderError(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	c := NewClient(p)

	_, err := c.Invoke(context.Background(), "decision", nil, []message.Message{message.NewHuman("entry", "hi")}, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *SchemaError
	if errors.As(err, &se) {
		t.Error("a provider failure must not be a *SchemaError")
	}
}

// TestInvoke_SamplingOptions checks temperature and max-token plumbing.
func TestInvoke_SamplingOptions(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{Content: "{}"},
	}
	c := NewClient(p, WithTemperature(0.4), WithMaxTokens(1024))

	if _, err := c.Invoke(context.Background(), "decision", nil, []message.Message{message.NewHuman("entry", "hi")}, nil, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	req := p.Calls()[0].Req
	if req.Temperature == nil || *req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", req.MaxTokens)
	}
}
