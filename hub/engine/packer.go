package engine

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/khub/knowledgehub/hub/types"
)

// PackItem is one ranked retrieval hit joined with its full chunk record.
type PackItem struct {
	Chunk types.Chunk
	Title string
}

// PackedContext is the citation-tagged context block handed to the language
// model, plus the marker mapping needed to resolve [CIT-n] references in the
// generated answer.
type PackedContext struct {
	Text       string
	Citations  []types.Citation
	UsedChunks []int64
	Tokens     int
}

// Marker returns the textual citation marker for a 1-indexed position.
func Marker(n int) string {
	return fmt.Sprintf("CIT-%d", n)
}

const maxSnippetChars = 800

// Packer renders ranked results into a token-budgeted context block.
type Packer struct {
	counter TokenCounter
}

func NewPacker(counter TokenCounter) *Packer {
	return &Packer{counter: counter}
}

// Pack selects items greedily in ranked order until the next item would
// exceed the token budget. Each included item gets a [CIT-n] marker in
// inclusion order. If the very first item alone blows the budget it is still
// included, truncated to the budget, so the context is never empty for a
// non-empty input.
func (p *Packer) Pack(items []PackItem, budget int) PackedContext {
	var packed PackedContext
	lines := []string{"CONTEXT:"}

	for _, it := range items {
		text := trimPreserveSentence(it.Chunk.Text, maxSnippetChars)
		if text == "" {
			continue
		}
		cost := p.counter.Count(text)
		if packed.Tokens+cost > budget {
			if len(packed.UsedChunks) > 0 {
				break
			}
			// Oversized top item: keep it, cut to the budget.
			text = strings.TrimSpace(p.counter.Truncate(text, budget))
			if text == "" {
				continue
			}
			cost = p.counter.Count(text)
		}

		n := len(packed.UsedChunks) + 1
		head := fmt.Sprintf("[%s] Title: %q", Marker(n), it.Title)
		if it.Chunk.PageNo > 0 {
			head += fmt.Sprintf(", Page %d", it.Chunk.PageNo)
		}
		lines = append(lines, head, text, "")

		packed.Tokens += cost
		packed.UsedChunks = append(packed.UsedChunks, it.Chunk.ID)
		packed.Citations = append(packed.Citations, types.Citation{
			Marker:     Marker(n),
			ChunkID:    it.Chunk.ID,
			DocumentID: it.Chunk.DocumentID,
			PageNo:     it.Chunk.PageNo,
			Title:      it.Title,
		})
	}

	packed.Text = strings.TrimSpace(strings.Join(lines, "\n"))
	return packed
}

var sentenceTail = regexp.MustCompile(`[.!?]\s+[^.!?]*$`)

// trimPreserveSentence cuts text to at most maxChars bytes, preferring a
// sentence boundary and falling back to the last whitespace. The cut never
// splits a multi-byte rune.
func trimPreserveSentence(text string, maxChars int) string {
	t := strings.TrimSpace(text)
	if len(t) <= maxChars {
		return t
	}
	for maxChars > 0 && !utf8.RuneStart(t[maxChars]) {
		maxChars--
	}
	cut := t[:maxChars]
	if m := sentenceTail.FindStringIndex(cut); m != nil {
		return strings.TrimSpace(cut[:m[0]+1])
	}
	if ws := strings.LastIndex(cut, " "); ws > 0 {
		return strings.TrimSpace(cut[:ws])
	}
	return strings.TrimSpace(cut)
}
