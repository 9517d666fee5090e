package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/message"
	"github.com/kotoha-ai/kotoha/pkg/memory"
)

// MemorySearchNodeName is the registry name of the memory search tool node.
const MemorySearchNodeName = "memory_search"

// searchContextMessages caps how many recent spoken messages feed the search
// query.
const searchContextMessages = 10

// searchResultLimit caps how many past conversations are returned.
const searchResultLimit = 5

// noMemoriesFound is the tool result when nothing similar is stored.
const noMemoriesFound = "No related past conversations were found."

// MemorySearch is the tool node that recalls past conversations by semantic
// similarity to the current exchange.
type MemorySearch struct {
	store memory.Store
}

// NewMemorySearch builds the memory search node over the given store.
func NewMemorySearch(store memory.Store) *MemorySearch {
	return &MemorySearch{store: store}
}

// Registration describes the node for the graph registry.
func (m *MemorySearch) Registration() graph.Registration {
	return graph.Registration{
		NodeInfo: graph.NodeInfo{
			Name:         MemorySearchNodeName,
			Description:  "Recalls past conversations related to the current topic",
			Capabilities: []string{"semantic recall", "conversation history"},
			OutputFields: []string{"related_conversations"},
		},
		Handler: m.Handle,
	}
}

// Handle searches stored conversations with a query built from the recent
// spoken transcript plus the processed input. Storage failures do not fail
// the turn: the error is recorded as a tool message and the decision node
// phrases the situation to the user.
func (m *MemorySearch) Handle(ctx context.Context, st graph.State) (graph.State, error) {
	query := searchQuery(st)

	results, err := m.store.SearchConversations(ctx, query, searchResultLimit)
	if err != nil {
		summary := fmt.Sprintf("memory search failed: %v", err)
		failure := message.NewTool(MemorySearchNodeName, MemorySearchNodeName, summary).
			WithExtra(message.ExtraError, err.Error()).
			WithExtra(message.ExtraSuccess, false)
		st.Messages = append(st.Messages, failure)
		st.Response = summary
		st.NextNode = graph.EntryNode
		st.Success = true
		return st, nil
	}

	formatted := formatResults(results)
	result := message.NewTool(MemorySearchNodeName, MemorySearchNodeName, formatted).
		WithExtra(message.ExtraSuccess, true)
	st.Messages = append(st.Messages, result)
	st.Response = formatted
	st.NextNode = graph.EntryNode
	st.Success = true
	return st, nil
}

// searchQuery joins the contents of the most recent spoken messages (human
// and assistant, internal messages excluded) with the processed input.
func searchQuery(st graph.State) string {
	var spoken []string
	for _, msg := range st.Messages {
		if msg.Kind == message.KindHuman || msg.Kind == message.KindAssistant {
			spoken = append(spoken, msg.Content)
		}
	}
	if len(spoken) > searchContextMessages {
		spoken = spoken[len(spoken)-searchContextMessages:]
	}
	if st.ProcessedInput != "" {
		spoken = append(spoken, st.ProcessedInput)
	}
	return strings.Join(spoken, " ")
}

// formatResults renders search hits for the decision node's context.
func formatResults(results []memory.SearchResult) string {
	if len(results) == 0 {
		return noMemoriesFound
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Conversation %d:\n- time: %s\n- content:\n%s",
			i+1, r.Timestamp.Format(time.RFC3339), r.Text)
	}
	return b.String()
}
