package speech

import (
	"slices"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "japanese punctuation",
			text: "こんにちは。今日はいい天気だね！散歩に行く？",
			want: []string{"こんにちは。", "今日はいい天気だね！", "散歩に行く？"},
		},
		{
			name: "ascii punctuation",
			text: "Hello there. Nice day! Want a walk?",
			want: []string{"Hello there.", "Nice day!", "Want a walk?"},
		},
		{
			name: "trailing text without terminator",
			text: "First one. second without period",
			want: []string{"First one.", "second without period"},
		},
		{
			name: "single sentence",
			text: "Just one sentence",
			want: []string{"Just one sentence"},
		},
		{
			name: "terminator runs stay together",
			text: "Wait...!? Really.",
			want: []string{"Wait...!?", "Really."},
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
		{
			name: "whitespace only",
			text: "   \n ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitSentences(tt.text)
			if !slices.Equal(got, tt.want) {
				t.Errorf("SplitSentences(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
