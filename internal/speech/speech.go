// Package speech turns assistant replies into ordered speech fragments.
//
// A reply is split into sentence-like fragments, each fragment is synthesized
// to a WAV file by a [Synthesizer], and the resulting files are pushed to the
// client in reply order through an [OrderedBuffer] even when synthesis
// finishes out of order.
package speech

import (
	"context"
	"strings"
)

// Fragment is one synthesized piece of a reply.
type Fragment struct {
	// Path is the synthesized WAV file on disk.
	Path string
	// Index is the fragment's position within the reply, starting at 0.
	Index int
	// IsLast marks the final fragment of the reply.
	IsLast bool
}

// FragmentFunc receives fragments as synthesis completes. Calls may arrive
// out of index order. A fragment whose render failed is reported with an
// empty Path so consumers can advance past the gap.
type FragmentFunc func(frag Fragment)

// Synthesizer renders text to speech fragment files.
type Synthesizer interface {
	// Synthesize splits text into sentence fragments, renders each one, and
	// invokes onFragment per fragment, empty-Path for failed renders. It
	// blocks until every fragment has been reported. Returns an error only
	// when no fragment at all could be rendered. IsLast is left to the
	// consumer; the [OrderedBuffer] stamps it on the final delivery.
	Synthesize(ctx context.Context, text string, voiceID int, onFragment FragmentFunc) error
}

// sentenceTerminators end a fragment. Both Japanese and ASCII terminal
// punctuation are recognized.
const sentenceTerminators = "。！？.!?"

// SplitSentences splits text into sentence-like fragments on terminal
// punctuation. The punctuation stays attached to its sentence; empty
// fragments are dropped.
func SplitSentences(text string) []string {
	var (
		runes = []rune(text)
		out   []string
		b     strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for i, r := range runes {
		b.WriteRune(r)
		if !strings.ContainsRune(sentenceTerminators, r) {
			continue
		}
		// A run of terminators ("...", "!?") stays in one fragment.
		if i+1 < len(runes) && strings.ContainsRune(sentenceTerminators, runes[i+1]) {
			continue
		}
		flush()
	}
	flush()
	return out
}
