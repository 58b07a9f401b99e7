package engine

import (
	"regexp"

	"github.com/mudler/xlog"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token cost of a text. Estimates are
// deterministic and monotonic in the text length; exactness is not required
// by the packer, only that the same text always costs the same.
type TokenCounter interface {
	Count(s string) int
	// Truncate returns the longest prefix of s costing at most max tokens.
	Truncate(s string, max int) string
}

// NewTokenCounter returns a BPE-backed counter when the encoding is
// available locally, falling back to a rough word-level proxy otherwise.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		xlog.Warn("tiktoken encoding unavailable, using rough token estimates", "error", err)
		return roughCounter{}
	}
	return &bpeCounter{enc: enc}
}

type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}

func (c *bpeCounter) Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	ids := c.enc.Encode(s, nil, nil)
	if len(ids) <= max {
		return s
	}
	return c.enc.Decode(ids[:max])
}

var tokenPattern = regexp.MustCompile(`\w+|\S`)

// roughCounter counts words and stray symbols, the same fast proxy the
// ingestion side uses for chunk sizing.
type roughCounter struct{}

func (roughCounter) Count(s string) int {
	return len(tokenPattern.FindAllStringIndex(s, -1))
}

func (roughCounter) Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	idx := tokenPattern.FindAllStringIndex(s, -1)
	if len(idx) <= max {
		return s
	}
	return s[:idx[max-1][1]]
}
