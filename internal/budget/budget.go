package budget

import (
	"fmt"
	"unicode/utf8"
)

// TruncationMarker is appended to text clipped by Truncate.
const TruncationMarker = "\n...[truncated]"

// Limits holds the token-equivalent accounting rules for one research run.
// Token counts are a deterministic proxy: characters divided by CharsPerToken.
type Limits struct {
	Ceiling          int64 // stop issuing new actions once consumption reaches this
	Tolerance        int64 // slack allowed when keeping an already fetched step
	CharsPerToken    int
	MinPartialTokens int64 // a partial summary is only included above this remaining budget
}

// DefaultLimits mirrors the service defaults.
func DefaultLimits() Limits {
	return Limits{Ceiling: 850000, Tolerance: 50000, CharsPerToken: 4, MinPartialTokens: 100}
}

// Validate ensures limits are usable.
func (l Limits) Validate() error {
	if l.Ceiling <= 0 {
		return fmt.Errorf("ceiling must be > 0")
	}
	if l.Tolerance < 0 {
		return fmt.Errorf("tolerance must be >= 0")
	}
	if l.CharsPerToken <= 0 {
		return fmt.Errorf("chars per token must be > 0")
	}
	if l.MinPartialTokens < 0 {
		return fmt.Errorf("min partial tokens must be >= 0")
	}
	return nil
}

func (l Limits) ratio() int {
	if l.CharsPerToken <= 0 {
		return 4
	}
	return l.CharsPerToken
}

// Estimate returns the token-equivalent size of text.
func (l Limits) Estimate(text string) int64 {
	return int64(utf8.RuneCountInString(text) / l.ratio())
}

// WithinLimit reports whether adding text to consumed stays within ceiling plus tolerance.
func (l Limits) WithinLimit(consumed int64, text string) bool {
	return l.fits(consumed, l.Estimate(text))
}

func (l Limits) fits(consumed, tokens int64) bool {
	return consumed+tokens <= l.Ceiling+l.Tolerance
}

// Truncate clips text to approximately maxTokens and appends TruncationMarker.
// Text already within maxTokens is returned unchanged.
func (l Limits) Truncate(text string, maxTokens int64) string {
	if maxTokens < 0 {
		maxTokens = 0
	}
	if l.Estimate(text) <= maxTokens {
		return text
	}
	keep := int(maxTokens) * l.ratio()
	n := 0
	for i := range text {
		if n == keep {
			return text[:i] + TruncationMarker
		}
		n++
	}
	return text
}

// SelectSummaries returns the longest prefix of summaries fitting maxTokens.
// When the next summary does not fit and more than MinPartialTokens remain, a truncated
// copy of it is included as the final element; selection stops there either way.
func (l Limits) SelectSummaries(summaries []string, maxTokens int64) []string {
	out := make([]string, 0, len(summaries))
	var used int64
	for _, s := range summaries {
		t := l.Estimate(s)
		if used+t <= maxTokens {
			out = append(out, s)
			used += t
			continue
		}
		if remaining := maxTokens - used; remaining > l.MinPartialTokens {
			out = append(out, l.Truncate(s, remaining))
		}
		break
	}
	return out
}
