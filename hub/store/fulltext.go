package store

import (
	"context"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/khub/knowledgehub/hub/types"
)

// SearchLexical scores chunks by the fraction of query terms they contain
// and highlights matched terms in the snippet.
func (s *MemoryStore) SearchLexical(ctx context.Context, query string, documentID int64, limit int) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryTerms := strings.Fields(strings.ToLower(query))
	if len(queryTerms) == 0 {
		return []types.SearchResult{}, nil
	}

	results := []types.SearchResult{}
	for _, c := range s.chunks {
		if documentID != 0 && c.DocumentID != documentID {
			continue
		}
		contentLower := strings.ToLower(c.Text)
		score := 0.0
		for _, term := range queryTerms {
			if strings.Contains(contentLower, term) {
				score += 1.0
			}
		}
		score = score / float64(len(queryTerms))
		if score == 0 {
			continue
		}

		doc := s.documents[c.DocumentID]
		r := resultForChunk(c, doc)
		r.Lexical = score
		r.HasLexical = true
		r.Snippet = highlightSnippet(c.Text, queryTerms)
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Lexical != results[j].Lexical {
			return results[i].Lexical > results[j].Lexical
		}
		return results[i].ChunkID > results[j].ChunkID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// highlightSnippet escapes a window of the chunk text around the first
// matched term and wraps term occurrences in <b> tags. All term positions
// are located on the escaped text before any tag is inserted, so one term
// can never match inside the markup added for another.
func highlightSnippet(text string, terms []string) string {
	lower := strings.ToLower(text)
	start := 0
	for _, term := range terms {
		if idx := strings.Index(lower, term); idx >= 0 {
			start = idx - 80
			if start < 0 {
				start = 0
			}
			break
		}
	}
	end := start + 240
	if end > len(text) {
		end = len(text)
	}
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	if end < len(text) {
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
	}
	window := text[start:end]

	escaped := html.EscapeString(window)
	escapedLower := strings.ToLower(escaped)

	type span struct{ start, end int }
	spans := []span{}
	for _, term := range terms {
		escTerm := strings.ToLower(html.EscapeString(term))
		if escTerm == "" {
			continue
		}
		for pos := 0; ; {
			idx := strings.Index(escapedLower[pos:], escTerm)
			if idx < 0 {
				break
			}
			idx += pos
			spans = append(spans, span{start: idx, end: idx + len(escTerm)})
			pos = idx + len(escTerm)
		}
	}
	if len(spans) == 0 {
		return escaped
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	out := strings.Builder{}
	pos := 0
	for _, s := range merged {
		out.WriteString(escaped[pos:s.start])
		out.WriteString("<b>")
		out.WriteString(escaped[s.start:s.end])
		out.WriteString("</b>")
		pos = s.end
	}
	out.WriteString(escaped[pos:])
	return out.String()
}
