// Package message defines the chat message model shared by every node in the
// conversation graph: four message kinds, mandatory provenance metadata, an
// open extras map for node-specific payloads, and file descriptors for
// attachments.
//
// Messages are immutable once appended to a transcript. Constructors stamp the
// provenance timestamp; callers never mutate a message after handing it to the
// executor.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the four message variants.
type Kind string

const (
	KindHuman     Kind = "human"
	KindAssistant Kind = "assistant"
	KindSystem    Kind = "system"
	KindTool      Kind = "tool"
)

// NodeKind classifies the node that produced a message.
type NodeKind string

const (
	// NodeKindUserFacing marks nodes whose output is shown to the user.
	NodeKindUserFacing NodeKind = "user_facing"
	// NodeKindInternal marks nodes that only talk to other nodes.
	NodeKindInternal NodeKind = "internal"
	// NodeKindService marks infrastructure-originated messages (timers,
	// transport events).
	NodeKindService NodeKind = "service"
)

// Provenance records which node produced a message and when. All three fields
// are mandatory; [Validate] rejects messages missing any of them.
type Provenance struct {
	NodeName  string    `json:"node_name"`
	NodeKind  NodeKind  `json:"node_kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Recognized Extra keys. The map stays open because prompt builders reflect
// arbitrary keys back into the model context, but these are the ones the core
// itself reads or writes.
const (
	ExtraFileInfo      = "file_info"
	ExtraFileContent   = "file_content"
	ExtraUnderstanding = "understanding"
	ExtraAction        = "action"
	ExtraReasoning     = "reasoning"
	ExtraError         = "error"
	ExtraSuccess       = "success"
)

// Message is one entry of a session transcript.
//
// ToolName and ToolCallID are set only on [KindTool] messages. Extra is never
// nil on messages built through the constructors.
type Message struct {
	Kind       Kind           `json:"kind"`
	Content    string         `json:"content"`
	Provenance Provenance     `json:"provenance"`
	Extra      map[string]any `json:"extra,omitempty"`

	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// NewHuman builds a human message attributed to nodeName.
func NewHuman(nodeName, content string) Message {
	return newMessage(KindHuman, nodeName, NodeKindUserFacing, content)
}

// NewAssistant builds an assistant message attributed to nodeName.
func NewAssistant(nodeName, content string) Message {
	return newMessage(KindAssistant, nodeName, NodeKindUserFacing, content)
}

// NewSystem builds an internal system message attributed to nodeName.
func NewSystem(nodeName, content string) Message {
	return newMessage(KindSystem, nodeName, NodeKindInternal, content)
}

// NewTool builds a tool result message with a fresh tool call id.
func NewTool(nodeName, toolName, content string) Message {
	m := newMessage(KindTool, nodeName, NodeKindInternal, content)
	m.ToolName = toolName
	m.ToolCallID = uuid.NewString()
	return m
}

func newMessage(kind Kind, nodeName string, nodeKind NodeKind, content string) Message {
	return Message{
		Kind:    kind,
		Content: content,
		Provenance: Provenance{
			NodeName:  nodeName,
			NodeKind:  nodeKind,
			Timestamp: time.Now(),
		},
		Extra: map[string]any{},
	}
}

// WithExtra returns a copy of m with key set in a copied Extra map. The
// receiver is left untouched so appended messages stay immutable.
func (m Message) WithExtra(key string, value any) Message {
	extra := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		extra[k] = v
	}
	extra[key] = value
	m.Extra = extra
	return m
}

// Clone returns a deep copy of m (the Extra map is copied, values are shared).
func (m Message) Clone() Message {
	if m.Extra != nil {
		extra := make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

// CloneAll deep-copies a transcript slice.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
