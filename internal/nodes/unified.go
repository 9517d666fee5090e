// Package nodes implements the conversation graph nodes: the unified
// decision node that drives every turn, and the tool nodes it can route to
// (weather lookup, semantic memory search).
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/llm"
	"github.com/kotoha-ai/kotoha/internal/message"
	"github.com/kotoha-ai/kotoha/pkg/memory"
)

// ReminderPlaceholder stands in for the user's input on an inactivity turn,
// where there is none.
const ReminderPlaceholder = "(no response)"

// DecisionSchema is the JSON schema every decision completion must satisfy.
const DecisionSchema = `{
    "type": "object",
    "properties": {
        "input_processing": {
            "type": "object",
            "properties": {
                "file_content_description": {"type": "string"},
                "combined_understanding": {"type": "string"}
            },
            "required": ["combined_understanding"]
        },
        "planning": {
            "type": "object",
            "properties": {
                "requires_tool": {"type": "boolean"},
                "tool_name": {"type": ["string", "null"]},
                "reasoning": {"type": "string"}
            },
            "required": ["requires_tool", "reasoning"]
        },
        "response": {"type": "string"},
        "inactivity_timeout": {"type": "integer"}
    },
    "required": ["input_processing", "planning", "response", "inactivity_timeout"]
}`

// decisionOutput is the decoded decision completion.
type decisionOutput struct {
	InputProcessing struct {
		FileContentDescription string `json:"file_content_description"`
		CombinedUnderstanding  string `json:"combined_understanding"`
	} `json:"input_processing"`
	Planning struct {
		RequiresTool bool    `json:"requires_tool"`
		ToolName     *string `json:"tool_name"`
		Reasoning    string  `json:"reasoning"`
	} `json:"planning"`
	Response          string `json:"response"`
	InactivityTimeout int    `json:"inactivity_timeout"`
}

// Unified is the decision node. Every turn enters the graph here: it folds
// text and attachments into one understanding, decides between a direct reply
// and a tool call, and picks the next inactivity timeout.
type Unified struct {
	client      *llm.Client
	store       memory.Store
	schema      *jsonschema.Schema
	persona     string
	recentLimit int
	now         func() time.Time
	logger      *slog.Logger
}

// UnifiedOption is a functional option for Unified.
type UnifiedOption func(*Unified)

// WithPersona overrides [DefaultPersona] for the persona prompt section.
func WithPersona(p string) UnifiedOption {
	return func(u *Unified) {
		if p != "" {
			u.persona = p
		}
	}
}

// WithRecentLimit sets how many past conversations are loaded into the
// prompt. Values below 1 are ignored.
func WithRecentLimit(n int) UnifiedOption {
	return func(u *Unified) {
		if n > 0 {
			u.recentLimit = n
		}
	}
}

// WithClock replaces the wall clock used for the situational context.
func WithClock(now func() time.Time) UnifiedOption {
	return func(u *Unified) {
		if now != nil {
			u.now = now
		}
	}
}

// WithUnifiedLogger sets the slog logger for diagnostics.
func WithUnifiedLogger(l *slog.Logger) UnifiedOption {
	return func(u *Unified) {
		if l != nil {
			u.logger = l
		}
	}
}

// NewUnified builds the decision node. store may be nil, in which case the
// node runs without long-term memory or recent-conversation context.
func NewUnified(client *llm.Client, store memory.Store, opts ...UnifiedOption) (*Unified, error) {
	schema, err := llm.CompileSchema("decision", []byte(DecisionSchema))
	if err != nil {
		return nil, fmt.Errorf("nodes: compile decision schema: %w", err)
	}
	u := &Unified{
		client:      client,
		store:       store,
		schema:      schema,
		persona:     DefaultPersona,
		recentLimit: 5,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

// Registration describes the node for the graph registry.
func (u *Unified) Registration() graph.Registration {
	return graph.Registration{
		NodeInfo: graph.NodeInfo{
			Name:        graph.EntryNode,
			Description: "Unified input understanding, tool routing, and response generation",
		},
		Handler: u.Handle,
	}
}

// Handle runs one decision pass over the turn state.
func (u *Unified) Handle(ctx context.Context, st graph.State) (graph.State, error) {
	reminder := st.IsInactivityReminder

	// A tool has just run when the last transcript entry is a tool message;
	// the user's input was already appended before the tool was routed to, so
	// it must not be appended again. The tool itself is withheld from this
	// pass's catalog so the model cannot call it twice in a row.
	lastToolName := ""
	appendHuman := true
	if last, ok := st.LastMessage(); ok && last.Kind == message.KindTool {
		appendHuman = false
		lastToolName = last.ToolName
	}

	inputText := st.InputText
	if reminder && inputText == "" {
		inputText = ReminderPlaceholder
	}

	fileInfo := fileInfoLine(st.Files)
	humanIdx := -1
	if appendHuman {
		human := message.NewHuman(graph.EntryNode, inputText)
		if fileInfo != "" {
			human = human.WithExtra(message.ExtraFileInfo, fileInfo)
		}
		st.Messages = append(st.Messages, human)
		humanIdx = len(st.Messages) - 1
	}

	snapshot, recent := u.loadMemory(ctx)

	tools := make(map[string]graph.NodeInfo, len(st.AvailableNodes))
	for name, info := range st.AvailableNodes {
		if name == lastToolName {
			continue
		}
		tools[name] = info
	}

	prompts := buildSystemPrompts(promptContext{
		Persona:         u.persona,
		Reminder:        reminder,
		PreviousTimeout: st.InactivityTimeout,
		InputText:       inputText,
		FileInfo:        fileInfo,
		Tools:           tools,
		Now:             u.now(),
		MemorySnapshot:  snapshot,
		Recent:          recent,
	})

	raw, err := u.client.Invoke(ctx, "unified_response", prompts, st.Messages, st.Files, u.schema)
	if err != nil {
		return st, err
	}

	var out decisionOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return st, &llm.SchemaError{Raw: string(raw), Err: err}
	}

	st.ProcessedInput = out.InputProcessing.CombinedUnderstanding
	st.InactivityTimeout = out.InactivityTimeout

	// Payload bytes have served their purpose (the model has seen the images);
	// only metadata and the model's description travel onward.
	st.Files = message.StripBytes(st.Files)
	if desc := out.InputProcessing.FileContentDescription; desc != "" {
		for i := range st.Files {
			st.Files[i].Description = desc
		}
	}
	if humanIdx >= 0 {
		human := st.Messages[humanIdx]
		if out.InputProcessing.FileContentDescription != "" {
			human = human.WithExtra(message.ExtraFileContent, out.InputProcessing.FileContentDescription)
		}
		human = human.WithExtra(message.ExtraUnderstanding, out.InputProcessing.CombinedUnderstanding)
		st.Messages[humanIdx] = human
	}

	if out.Planning.RequiresTool {
		return u.routeTool(st, out)
	}

	if out.Response == "" {
		st.Success = false
		st.Err = "empty response"
		return st, nil
	}

	st.Messages = append(st.Messages, message.NewAssistant(graph.EntryNode, out.Response))
	st.Response = out.Response
	st.NextNode = graph.TerminatorNode
	st.Success = true
	return st, nil
}

// routeTool dispatches to the chosen tool node, or falls back to a direct
// reply when the model named a tool that does not exist or named none at all.
func (u *Unified) routeTool(st graph.State, out decisionOutput) (graph.State, error) {
	tool := ""
	if out.Planning.ToolName != nil {
		tool = *out.Planning.ToolName
	}
	if _, known := st.AvailableNodes[tool]; !known {
		u.logger.Warn("decision picked an unknown tool", "tool", tool)
		reply := out.Response
		if reply == "" {
			reply = "I wanted to look that up for you, but the tool I need is not available right now. Could you ask me again a bit later?"
		}
		st.Messages = append(st.Messages, message.NewAssistant(graph.EntryNode, reply))
		st.Response = reply
		st.NextNode = graph.TerminatorNode
		st.Success = true
		return st, nil
	}

	decision := message.NewSystem(graph.EntryNode, out.Planning.Reasoning).
		WithExtra(message.ExtraAction, tool).
		WithExtra(message.ExtraReasoning, out.Planning.Reasoning)
	st.Messages = append(st.Messages, decision)
	st.NextNode = tool
	st.Success = true
	return st, nil
}

// loadMemory fetches the long-term snapshot and recent conversations. Both
// are best-effort: a storage failure degrades the prompt, never the turn.
func (u *Unified) loadMemory(ctx context.Context) (string, []memory.Conversation) {
	if u.store == nil {
		return "", nil
	}
	snapshot, err := u.store.LoadLatestSnapshot(ctx)
	if err != nil {
		u.logger.Warn("load memory snapshot", "error", err)
		snapshot = ""
	}
	recent, err := u.store.RecentConversations(ctx, u.recentLimit, memory.OrderOldestFirst)
	if err != nil {
		u.logger.Warn("load recent conversations", "error", err)
		recent = nil
	}
	return snapshot, recent
}

// fileInfoLine summarizes the turn's attachments, e.g. "2 file(s) attached
// (.jpg, .png)". Returns "" when there are none.
func fileInfoLine(files []message.FileDescriptor) string {
	if len(files) == 0 {
		return ""
	}
	seen := make(map[string]struct{})
	exts := make([]string, 0, len(files))
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		if ext == "" {
			ext = "unknown"
		}
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return fmt.Sprintf("%d file(s) attached (%s)", len(files), strings.Join(exts, ", "))
}
