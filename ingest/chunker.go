package ingest

import (
	"regexp"
	"strings"
	"unicode"
)

// PageChunk is one retrieval unit produced from a single page of text.
type PageChunk struct {
	Index       int
	Text        string
	Tokens      int
	HeadingPath string
}

// ChunkerOptions control how page text is packed into chunks. Targets are
// rough token counts, overlap is a word count carried between chunks.
type ChunkerOptions struct {
	TargetMin int
	TargetMax int
	Overlap   int
}

func DefaultChunkerOptions() ChunkerOptions {
	return ChunkerOptions{
		TargetMin: 300,
		TargetMax: 700,
		Overlap:   50,
	}
}

var tokenPattern = regexp.MustCompile(`\w+|\S`)

// RoughTokens is a fast proxy for the token count of s.
func RoughTokens(s string) int {
	return len(tokenPattern.FindAllString(s, -1))
}

var listPrefixPattern = regexp.MustCompile(`^(\d+\.|[-*•])\s`)

// isHeading flags short standalone lines that look like section headings,
// either ALL CAPS or mostly Title Case.
func isHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 80 {
		return false
	}
	if strings.HasSuffix(line, ".") || strings.HasSuffix(line, ":") || strings.HasSuffix(line, ";") {
		return false
	}
	if listPrefixPattern.MatchString(line) {
		return false
	}
	if line == strings.ToUpper(line) && strings.ContainsFunc(line, unicode.IsLetter) && len(line) >= 3 {
		return true
	}
	words := strings.Fields(line)
	capitalized := 0
	for _, w := range words {
		r := []rune(w)
		if len(r) > 0 && unicode.IsUpper(r[0]) {
			capitalized++
		}
	}
	min := len(words) / 2
	if min < 1 {
		min = 1
	}
	return capitalized >= min
}

// ChunkPage splits one page of text into chunks. Paragraphs are packed
// greedily up to TargetMax tokens; a chunk under TargetMin keeps absorbing
// paragraphs. Consecutive chunks share an Overlap-word tail so sentences cut
// at a boundary stay retrievable. The heading path is the last two headings
// seen on the page.
func ChunkPage(text string, opts ChunkerOptions) []PageChunk {
	headings := []string{}
	paras := []string{}
	buf := []string{}

	lines := strings.Split(text, "\n")
	lines = append(lines, "")
	for _, ln := range lines {
		ln = strings.TrimRight(ln, " \t")
		if isHeading(ln) {
			headings = append(headings, strings.TrimSpace(ln))
		}
		if strings.TrimSpace(ln) != "" {
			buf = append(buf, ln)
		} else if len(buf) > 0 {
			paras = append(paras, strings.TrimSpace(strings.Join(buf, "\n")))
			buf = nil
		}
	}

	texts := []string{}
	cur := []string{}
	curTokens := 0
	for _, p := range paras {
		ptoks := RoughTokens(p)
		if curTokens+ptoks <= opts.TargetMax {
			cur = append(cur, p)
			curTokens += ptoks
			continue
		}
		if curTokens >= opts.TargetMin || len(cur) == 0 {
			flushed := strings.TrimSpace(strings.Join(cur, "\n\n"))
			texts = append(texts, flushed)
			if opts.Overlap > 0 && flushed != "" {
				tail := strings.Fields(flushed)
				if len(tail) > opts.Overlap {
					tail = tail[len(tail)-opts.Overlap:]
				}
				cur = []string{strings.Join(tail, " "), p}
				curTokens = RoughTokens(cur[0]) + ptoks
			} else {
				cur = []string{p}
				curTokens = ptoks
			}
		} else {
			cur = append(cur, p)
			curTokens += ptoks
		}
	}
	if len(cur) > 0 {
		texts = append(texts, strings.TrimSpace(strings.Join(cur, "\n\n")))
	}

	headingPath := ""
	if len(headings) > 0 {
		last := headings
		if len(last) > 2 {
			last = last[len(last)-2:]
		}
		headingPath = strings.Join(last, " > ")
	}

	chunks := make([]PageChunk, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		chunks = append(chunks, PageChunk{
			Index:       len(chunks),
			Text:        t,
			Tokens:      RoughTokens(t),
			HeadingPath: headingPath,
		})
	}
	return chunks
}
