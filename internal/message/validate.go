package message

import "fmt"

// ShapeError reports a structurally invalid message. The executor treats it
// as fatal for the current turn: no retry, immediate rollback.
type ShapeError struct {
	// Index is the position of the offending message within the validated
	// slice, or -1 when a single message was validated.
	Index int
	// Field names the missing or malformed part ("kind", "node_name",
	// "node_kind", "timestamp").
	Field string
	// Reason is a human-readable explanation.
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("message: invalid message at index %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("message: invalid message: %s: %s", e.Field, e.Reason)
}

// AbortsTurn marks shape violations as fatal for the turn: the executor
// rolls back and returns without retrying.
func (e *ShapeError) AbortsTurn() bool { return true }

// Validate checks the structural shape of a single message: a known kind and
// a fully populated provenance. It performs no semantic checks.
func Validate(m Message) error {
	return validateAt(m, -1)
}

// ValidateAll validates every message in order and returns the first
// violation, with its index recorded on the [ShapeError].
func ValidateAll(msgs []Message) error {
	for i, m := range msgs {
		if err := validateAt(m, i); err != nil {
			return err
		}
	}
	return nil
}

func validateAt(m Message, idx int) error {
	switch m.Kind {
	case KindHuman, KindAssistant, KindSystem, KindTool:
	default:
		return &ShapeError{Index: idx, Field: "kind", Reason: fmt.Sprintf("unknown message kind %q", m.Kind)}
	}
	if m.Provenance.NodeName == "" {
		return &ShapeError{Index: idx, Field: "node_name", Reason: "missing"}
	}
	switch m.Provenance.NodeKind {
	case NodeKindUserFacing, NodeKindInternal, NodeKindService:
	case "":
		return &ShapeError{Index: idx, Field: "node_kind", Reason: "missing"}
	default:
		return &ShapeError{Index: idx, Field: "node_kind", Reason: fmt.Sprintf("unknown node kind %q", m.Provenance.NodeKind)}
	}
	if m.Provenance.Timestamp.IsZero() {
		return &ShapeError{Index: idx, Field: "timestamp", Reason: "missing"}
	}
	return nil
}
