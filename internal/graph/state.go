// Package graph implements the conversation node graph: a registry of node
// definitions and a sequential executor that moves a turn [State] between
// node handlers with per-node retry, message validation, and rollback.
package graph

import (
	"context"

	"github.com/kotoha-ai/kotoha/internal/message"
)

// EntryNode is the node every turn starts at.
const EntryNode = "unified_response"

// TerminatorNode is the routing sentinel that ends a turn. It is a
// pass-through: the executor returns the state as-is without invoking a
// handler, running the validator, or writing a snapshot.
const TerminatorNode = "end"

// State is the unit the executor moves between nodes. Handlers receive a deep
// copy and return a replacement; the executor discards the returned state and
// restores the pre-call copy when a node fails.
type State struct {
	// InputText is the raw user text of the current turn.
	InputText string `json:"input_text"`
	// Files are the turn's attachments. Payload bytes are present only
	// between ingress and the decision node, which strips them.
	Files []message.FileDescriptor `json:"files,omitempty"`
	// ProcessedInput is the decision node's unified natural-language
	// understanding of the input.
	ProcessedInput string `json:"processed_input,omitempty"`
	// Messages is the running transcript, append-only within a turn.
	Messages []message.Message `json:"messages"`
	// AvailableNodes is the catalog of tools the decision node may route to,
	// handlers stripped.
	AvailableNodes map[string]NodeInfo `json:"available_nodes,omitempty"`
	// NextNode is the routing decision of the last node. [TerminatorNode]
	// ends the turn.
	NextNode string `json:"next_node,omitempty"`
	// Response is the final user-visible reply.
	Response string `json:"response,omitempty"`
	// InactivityTimeout is the reminder delay in seconds chosen by the
	// decision node. -1 means do not arm a timer.
	InactivityTimeout int `json:"inactivity_timeout"`

	IsAutoResponse       bool `json:"is_auto_response,omitempty"`
	IsInactivityReminder bool `json:"is_inactivity_reminder,omitempty"`

	// Success reports whether the last node call (and ultimately the turn)
	// succeeded. Handlers that do not set it are treated as failed.
	Success bool `json:"success"`
	// Err carries the last failure description. It survives rollback.
	Err string `json:"error,omitempty"`
}

// Clone returns a deep copy of the state. Transcript messages, file
// descriptors (including ingress bytes), and the node catalog are copied so
// a retry starts from an unpolluted snapshot.
func (s State) Clone() State {
	s.Messages = message.CloneAll(s.Messages)
	s.Files = message.CloneFiles(s.Files)
	if s.AvailableNodes != nil {
		nodes := make(map[string]NodeInfo, len(s.AvailableNodes))
		for k, v := range s.AvailableNodes {
			nodes[k] = v.Clone()
		}
		s.AvailableNodes = nodes
	}
	return s
}

// LastMessage returns the most recent transcript message, or false when the
// transcript is empty.
func (s State) LastMessage() (message.Message, bool) {
	if len(s.Messages) == 0 {
		return message.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// HandlerFunc is a node implementation. It receives a private copy of the
// state and returns the successor state. Returning an error is equivalent to
// returning a state with Success=false, except for structural errors
// ([*message.ShapeError], [*llm.SchemaError]) which abort the turn without
// retry.
type HandlerFunc func(ctx context.Context, st State) (State, error)

// NodeInfo describes a node for the registry and for the decision node's
// tool catalog.
type NodeInfo struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Capabilities      []string `json:"capabilities,omitempty"`
	InputRequirements []string `json:"input_requirements,omitempty"`
	OutputFields      []string `json:"output_fields,omitempty"`
}

// Clone returns a deep copy of the node description.
func (n NodeInfo) Clone() NodeInfo {
	n.Capabilities = cloneStrings(n.Capabilities)
	n.InputRequirements = cloneStrings(n.InputRequirements)
	n.OutputFields = cloneStrings(n.OutputFields)
	return n
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
