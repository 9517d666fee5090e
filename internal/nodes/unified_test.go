package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/llm"
	"github.com/kotoha-ai/kotoha/internal/message"
	memmock "github.com/kotoha-ai/kotoha/pkg/memory/mock"
	llmprov "github.com/kotoha-ai/kotoha/pkg/provider/llm"
	llmmock "github.com/kotoha-ai/kotoha/pkg/provider/llm/mock"
)

// decisionJSON builds a complete decision document. An empty tool means a
// direct reply.
func decisionJSON(t *testing.T, response, tool string, timeout int) string {
	t.Helper()
	doc := map[string]any{
		"input_processing": map[string]any{
			"file_content_description": "",
			"combined_understanding":   "understood: " + response,
		},
		"planning": map[string]any{
			"requires_tool": tool != "",
			"tool_name":     nil,
			"reasoning":     "test reasoning",
		},
		"response":           response,
		"inactivity_timeout": timeout,
	}
	if tool != "" {
		doc["planning"].(map[string]any)["tool_name"] = tool
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	return string(raw)
}

// decisionProvider returns a mock provider whose completion is the given
// decision document in a fenced code block.
func decisionProvider(decision string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{
			Content: "```json\n" + decision + "\n```",
			Model:   "test-model",
		},
		ModelCapabilities: llmprov.ModelCapabilities{
			ModelID:          "test-model",
			SupportsToolRole: true,
			SupportsVision:   true,
		},
	}
}

func newTestUnified(t *testing.T, provider *llmmock.Provider, store *memmock.Store) *Unified {
	t.Helper()
	u, err := NewUnified(llm.NewClient(provider), store,
		WithClock(func() time.Time {
			return time.Date(2026, time.August, 24, 14, 0, 0, 0, time.UTC)
		}),
	)
	if err != nil {
		t.Fatalf("NewUnified: %v", err)
	}
	return u
}

func systemPromptText(t *testing.T, provider *llmmock.Provider) string {
	t.Helper()
	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(calls))
	}
	return strings.Join(calls[0].Req.SystemPrompts, "\n")
}

func TestUnified_DirectReply(t *testing.T) {
	t.Parallel()

	provider := decisionProvider(decisionJSON(t, "hi there", "", 90))
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{InputText: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !st.Success {
		t.Error("expected success")
	}
	if st.NextNode != graph.TerminatorNode {
		t.Errorf("NextNode = %q, want %q", st.NextNode, graph.TerminatorNode)
	}
	if st.Response != "hi there" {
		t.Errorf("Response = %q, want %q", st.Response, "hi there")
	}
	if st.InactivityTimeout != 90 {
		t.Errorf("InactivityTimeout = %d, want 90", st.InactivityTimeout)
	}
	if st.ProcessedInput != "understood: hi there" {
		t.Errorf("ProcessedInput = %q", st.ProcessedInput)
	}

	if len(st.Messages) != 2 {
		t.Fatalf("expected human + assistant messages, got %d", len(st.Messages))
	}
	if st.Messages[0].Kind != message.KindHuman || st.Messages[0].Content != "hello" {
		t.Errorf("messages[0] = %+v, want human %q", st.Messages[0], "hello")
	}
	if st.Messages[1].Kind != message.KindAssistant || st.Messages[1].Content != "hi there" {
		t.Errorf("messages[1] = %+v, want assistant reply", st.Messages[1])
	}
	if st.Messages[0].Extra[message.ExtraUnderstanding] != "understood: hi there" {
		t.Error("human message must carry the combined understanding")
	}
}

func TestUnified_RoutesToKnownTool(t *testing.T) {
	t.Parallel()

	provider := decisionProvider(decisionJSON(t, "", WeatherNodeName, 60))
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{
		InputText: "how is the weather in Tokyo?",
		AvailableNodes: map[string]graph.NodeInfo{
			WeatherNodeName: {Name: WeatherNodeName, Description: "Weather lookup"},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if st.NextNode != WeatherNodeName {
		t.Errorf("NextNode = %q, want %q", st.NextNode, WeatherNodeName)
	}
	if !st.Success {
		t.Error("expected success")
	}
	if st.Response != "" {
		t.Errorf("Response must stay empty on a tool route, got %q", st.Response)
	}

	last := st.Messages[len(st.Messages)-1]
	if last.Kind != message.KindSystem {
		t.Fatalf("last message kind = %q, want system", last.Kind)
	}
	if last.Extra[message.ExtraAction] != WeatherNodeName {
		t.Errorf("action extra = %v, want %q", last.Extra[message.ExtraAction], WeatherNodeName)
	}
	if last.Extra[message.ExtraReasoning] != "test reasoning" {
		t.Errorf("reasoning extra = %v", last.Extra[message.ExtraReasoning])
	}
}

func TestUnified_UnknownToolFallsBack(t *testing.T) {
	t.Parallel()

	provider := decisionProvider(decisionJSON(t, "", "web_search", 60))
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{
		InputText: "search the web for me",
		AvailableNodes: map[string]graph.NodeInfo{
			WeatherNodeName: {Name: WeatherNodeName},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if st.NextNode != graph.TerminatorNode {
		t.Errorf("NextNode = %q, want %q", st.NextNode, graph.TerminatorNode)
	}
	if !st.Success {
		t.Error("an unknown tool must degrade to a direct reply, not fail the turn")
	}
	if st.Response == "" {
		t.Error("expected a fallback reply")
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Kind != message.KindAssistant {
		t.Errorf("last message kind = %q, want assistant", last.Kind)
	}
}

func TestUnified_ToolRequiredWithoutNameFallsBack(t *testing.T) {
	t.Parallel()

	// The model claims a tool is needed but leaves tool_name null.
	decision := strings.Replace(
		decisionJSON(t, "", "", 60),
		`"requires_tool":false`,
		`"requires_tool":true`,
		1,
	)
	provider := decisionProvider(decision)
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{
		InputText: "look something up for me",
		AvailableNodes: map[string]graph.NodeInfo{
			WeatherNodeName: {Name: WeatherNodeName},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if st.NextNode != graph.TerminatorNode {
		t.Errorf("NextNode = %q, want %q", st.NextNode, graph.TerminatorNode)
	}
	if !st.Success {
		t.Error("a missing tool name must degrade to a direct reply, not fail the turn")
	}
	if st.Response == "" {
		t.Error("expected a fallback reply")
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Kind != message.KindAssistant {
		t.Errorf("last message kind = %q, want assistant", last.Kind)
	}
}

func TestUnified_EmptyResponseFails(t *testing.T) {
	t.Parallel()

	provider := decisionProvider(decisionJSON(t, "", "", 60))
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{InputText: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if st.Success {
		t.Error("an empty direct reply must fail the node call")
	}
	if st.Err != "empty response" {
		t.Errorf("Err = %q, want %q", st.Err, "empty response")
	}
}

func TestUnified_SkipsHumanAppendAfterTool(t *testing.T) {
	t.Parallel()

	provider := decisionProvider(decisionJSON(t, "it will rain in Tokyo", "", 60))
	u := newTestUnified(t, provider, &memmock.Store{})

	toolResult := message.NewTool(WeatherNodeName, WeatherNodeName, "Tokyo's weather:\nToday: rain")
	st, err := u.Handle(context.Background(), graph.State{
		InputText: "how is the weather?",
		Messages: []message.Message{
			message.NewHuman(graph.EntryNode, "how is the weather?"),
			message.NewSystem(graph.EntryNode, "needs weather data"),
			toolResult,
		},
		AvailableNodes: map[string]graph.NodeInfo{
			WeatherNodeName: {Name: WeatherNodeName, Description: "Weather lookup"},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	humans := 0
	for _, m := range st.Messages {
		if m.Kind == message.KindHuman {
			humans++
		}
	}
	if humans != 1 {
		t.Errorf("human message appended twice: %d human messages", humans)
	}

	// The tool that just ran must not be offered again.
	prompts := systemPromptText(t, provider)
	if !strings.Contains(prompts, "## Available tools\nnone") {
		t.Errorf("tool that just ran must be withheld from the catalog:\n%s", prompts)
	}
}

func TestUnified_ReminderPlaceholder(t *testing.T) {
	t.Parallel()

	provider := decisionProvider(decisionJSON(t, "still there?", "", -1))
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{
		IsInactivityReminder: true,
		InactivityTimeout:    60,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if st.Messages[0].Content != ReminderPlaceholder {
		t.Errorf("human placeholder = %q, want %q", st.Messages[0].Content, ReminderPlaceholder)
	}
	prompts := systemPromptText(t, provider)
	if !strings.Contains(prompts, "60 seconds") {
		t.Error("reminder prompt must name the elapsed timeout")
	}
	if st.InactivityTimeout != -1 {
		t.Errorf("InactivityTimeout = %d, want -1", st.InactivityTimeout)
	}
}

func TestUnified_SchemaErrorPropagates(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{Content: "just some plain text"},
	}
	u := newTestUnified(t, provider, &memmock.Store{})

	_, err := u.Handle(context.Background(), graph.State{InputText: "hello"})
	var schemaErr *llm.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *llm.SchemaError, got %v", err)
	}
	if !schemaErr.AbortsTurn() {
		t.Error("schema errors must abort the turn")
	}
}

func TestUnified_ProviderErrorPropagates(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	u := newTestUnified(t, provider, &memmock.Store{})

	_, err := u.Handle(context.Background(), graph.State{InputText: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	var schemaErr *llm.SchemaError
	if errors.As(err, &schemaErr) {
		t.Error("transport errors must stay retryable, not become schema errors")
	}
}

func TestUnified_FileHandling(t *testing.T) {
	t.Parallel()

	decision := strings.Replace(
		decisionJSON(t, "nice photo", "", 60),
		`"file_content_description":""`,
		`"file_content_description":"a cat on a windowsill"`,
		1,
	)
	provider := decisionProvider(decision)
	u := newTestUnified(t, provider, &memmock.Store{})

	st, err := u.Handle(context.Background(), graph.State{
		InputText: "look at this",
		Files: []message.FileDescriptor{
			message.NewFileDescriptor("cat.jpg", "image/jpeg", []byte{0xFF, 0xD8}),
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(st.Files) != 1 {
		t.Fatalf("expected 1 file descriptor, got %d", len(st.Files))
	}
	if st.Files[0].Bytes != nil {
		t.Error("payload bytes must be stripped after the decision call")
	}
	if st.Files[0].Description != "a cat on a windowsill" {
		t.Errorf("file description = %q", st.Files[0].Description)
	}

	human := st.Messages[0]
	if human.Extra[message.ExtraFileInfo] != "1 file(s) attached (.jpg)" {
		t.Errorf("file_info extra = %v", human.Extra[message.ExtraFileInfo])
	}
	if human.Extra[message.ExtraFileContent] != "a cat on a windowsill" {
		t.Errorf("file_content extra = %v", human.Extra[message.ExtraFileContent])
	}

	// The provider supports vision, so the image must have reached the model.
	calls := provider.Calls()
	msgs := calls[0].Req.Messages
	lastUser := msgs[len(msgs)-1]
	if len(lastUser.Images) != 1 {
		t.Errorf("expected 1 image attached to the latest user message, got %d", len(lastUser.Images))
	}
}

func TestUnified_MemoryInPrompt(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{Snapshot: "The user is training for a marathon."}
	provider := decisionProvider(decisionJSON(t, "how is the training going?", "", 60))
	u := newTestUnified(t, provider, store)

	if _, err := u.Handle(context.Background(), graph.State{InputText: "hi"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	prompts := systemPromptText(t, provider)
	if !strings.Contains(prompts, "The user is training for a marathon.") {
		t.Error("memory snapshot missing from the decision prompt")
	}
}

func TestUnified_StoreFailureDegrades(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		SnapshotErr: errors.New("database unreachable"),
		RecentErr:   errors.New("database unreachable"),
	}
	provider := decisionProvider(decisionJSON(t, "hello!", "", 60))
	u := newTestUnified(t, provider, store)

	st, err := u.Handle(context.Background(), graph.State{InputText: "hi"})
	if err != nil {
		t.Fatalf("a storage failure must not fail the turn: %v", err)
	}
	if !st.Success {
		t.Error("expected success despite storage failure")
	}
}

func TestUnified_Registration(t *testing.T) {
	t.Parallel()

	u := newTestUnified(t, decisionProvider(decisionJSON(t, "hi", "", 60)), &memmock.Store{})
	reg := u.Registration()
	if reg.Name != graph.EntryNode {
		t.Errorf("registration name = %q, want %q", reg.Name, graph.EntryNode)
	}
	if reg.Handler == nil {
		t.Error("registration must carry a handler")
	}

	r := graph.NewRegistry()
	if err := r.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.ListPublic()[graph.EntryNode]; ok {
		t.Error("the decision node must not appear in its own tool catalog")
	}
}
