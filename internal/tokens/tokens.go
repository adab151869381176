// Package tokens provides token estimation and per-request token budgets.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultMaxContextTokens is the default per-request context ceiling.
	DefaultMaxContextTokens = 32000
	// DefaultMaxResults caps the number of records admitted into a prompt.
	DefaultMaxResults = 50

	encodingName = "cl100k_base"
)

// Budget carries the per-request context ceilings. The context manager
// verifies every rendered prompt block against it.
type Budget struct {
	MaxContextTokens int
	MaxResults       int
}

// DefaultBudget returns the standard budget.
func DefaultBudget() Budget {
	return Budget{
		MaxContextTokens: DefaultMaxContextTokens,
		MaxResults:       DefaultMaxResults,
	}
}

// Counter estimates token counts. The accurate path uses a BPE tokenizer;
// when the encoding cannot be loaded (offline vocabularies) every call
// falls back to the heuristic.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a Counter. Encoding load is deferred to first use.
func NewCounter() *Counter {
	return &Counter{}
}

// Count returns an accurate token count when the tokenizer is available,
// otherwise the heuristic estimate.
func (c *Counter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return FastCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// FastCount is the heuristic estimate, used inside tight loops such as
// streaming token caps where BPE encoding is too slow.
func FastCount(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
