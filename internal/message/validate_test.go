package message

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := NewHuman("unified_response", "hello")

	tests := []struct {
		name      string
		mutate    func(m Message) Message
		wantField string
	}{
		{
			name:   "valid human message",
			mutate: func(m Message) Message { return m },
		},
		{
			name: "unknown kind",
			mutate: func(m Message) Message {
				m.Kind = "banana"
				return m
			},
			wantField: "kind",
		},
		{
			name: "missing node name",
			mutate: func(m Message) Message {
				m.Provenance.NodeName = ""
				return m
			},
			wantField: "node_name",
		},
		{
			name: "missing node kind",
			mutate: func(m Message) Message {
				m.Provenance.NodeKind = ""
				return m
			},
			wantField: "node_kind",
		},
		{
			name: "unknown node kind",
			mutate: func(m Message) Message {
				m.Provenance.NodeKind = "external"
				return m
			},
			wantField: "node_kind",
		},
		{
			name: "zero timestamp",
			mutate: func(m Message) Message {
				m.Provenance.Timestamp = time.Time{}
				return m
			},
			wantField: "timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.mutate(valid.Clone()))
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var shape *ShapeError
			if !errors.As(err, &shape) {
				t.Fatalf("Validate() = %v, want *ShapeError", err)
			}
			if shape.Field != tt.wantField {
				t.Errorf("ShapeError.Field = %q, want %q", shape.Field, tt.wantField)
			}
		})
	}
}

func TestValidateAllReportsIndex(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		NewHuman("unified_response", "hi"),
		NewAssistant("unified_response", "hello"),
	}
	msgs[1].Provenance.Timestamp = time.Time{}

	err := ValidateAll(msgs)
	var shape *ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("ValidateAll() = %v, want *ShapeError", err)
	}
	if shape.Index != 1 {
		t.Errorf("ShapeError.Index = %d, want 1", shape.Index)
	}
}

func TestToolMessageHasFreshCallID(t *testing.T) {
	t.Parallel()

	a := NewTool("weather_search", "weather_search", "sunny")
	b := NewTool("weather_search", "weather_search", "rainy")
	if a.ToolCallID == "" || b.ToolCallID == "" {
		t.Fatal("tool messages must carry a tool call id")
	}
	if a.ToolCallID == b.ToolCallID {
		t.Errorf("tool call ids must be unique, got %q twice", a.ToolCallID)
	}
	if a.ToolName != "weather_search" {
		t.Errorf("ToolName = %q, want %q", a.ToolName, "weather_search")
	}
}

func TestWithExtraDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	orig := NewHuman("unified_response", "hi")
	withErr := orig.WithExtra(ExtraError, "boom")

	if _, ok := orig.Extra[ExtraError]; ok {
		t.Error("WithExtra mutated the original message")
	}
	if withErr.Extra[ExtraError] != "boom" {
		t.Errorf("Extra[error] = %v, want %q", withErr.Extra[ExtraError], "boom")
	}
}

func TestStripBytes(t *testing.T) {
	t.Parallel()

	files := []FileDescriptor{
		NewFileDescriptor("photo.png", "image/png", []byte{1, 2, 3}),
		NewFileDescriptor("memo.txt", "text/plain", []byte("note")),
	}
	stripped := StripBytes(files)

	for i, f := range stripped {
		if f.Bytes != nil {
			t.Errorf("stripped[%d].Bytes = %v, want nil", i, f.Bytes)
		}
	}
	if files[0].Bytes == nil {
		t.Error("StripBytes mutated its input")
	}
	if stripped[0].Size != 3 {
		t.Errorf("stripped[0].Size = %d, want 3", stripped[0].Size)
	}
	if stripped[0].Kind != FileKindImage || stripped[1].Kind != FileKindOther {
		t.Errorf("kinds = %q, %q, want image, other", stripped[0].Kind, stripped[1].Kind)
	}
}
