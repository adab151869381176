package contextmgr

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"graphmesh-backend/internal/tokens"
	apperrors "graphmesh-backend/pkg/errors"
)

const (
	// maxValueChars truncates a rendered string value.
	maxValueChars = 200

	// maxLiteralItems bounds list and dict literals; the remainder is
	// reported as a final '... N more' element.
	maxLiteralItems = 5
)

// FormatContextForPrompt renders the ranked records into a fenced
// prompt block. Every value passes through the firewall, so a record
// cannot carry the fence tag itself. When the full set exceeds the
// token ceiling the tail is dropped in rank order; a budget that
// admits no record at all is an error.
func (m *Manager) FormatContextForPrompt(records []Record, budget tokens.Budget) (string, error) {
	tag, err := m.delim.Mint()
	if err != nil {
		return "", err
	}
	open := "<" + tag + ">"
	closing := "</" + tag + ">"

	if budget.MaxResults > 0 && len(records) > budget.MaxResults {
		records = records[:budget.MaxResults]
	}

	total := m.counter.Count(open) + m.counter.Count(closing)
	var blocks []string
	for i, rec := range records {
		block := m.renderRecord(i+1, rec)
		t := m.counter.Count(block)
		if total+t > budget.MaxContextTokens {
			if len(blocks) == 0 {
				return "", apperrors.NewContextBudgetExceeded(total+t, budget.MaxContextTokens)
			}
			m.logger.Warn("Context block truncated to fit token budget",
				zap.Int("kept", len(blocks)),
				zap.Int("dropped", len(records)-len(blocks)),
			)
			break
		}
		total += t
		blocks = append(blocks, block)
	}

	return open + "\n" + strings.Join(blocks, "\n") + "\n" + closing, nil
}

func (m *Manager) renderRecord(n int, rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] source: %s\n", n, m.sanitize(rec.Source))
	if rec.Target != "" {
		fmt.Fprintf(&b, "    target: %s\n", m.sanitize(rec.Target))
	}
	fmt.Fprintf(&b, "    score: %.3f", rec.Score)

	keys := make([]string, 0, len(rec.Content))
	for k := range rec.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n    %s: %s", m.sanitize(k), m.renderValue(rec.Content[k]))
	}
	return b.String()
}

// renderValue renders a content value. Oversized lists and dicts come
// out as balanced truncated literals.
func (m *Manager) renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return truncateString(m.sanitize(val))
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return m.renderList(items)
	case []any:
		return m.renderList(val)
	case []map[string]any:
		items := make([]any, len(val))
		for i, d := range val {
			items[i] = d
		}
		return m.renderList(items)
	case map[string]any:
		return m.renderDict(val)
	default:
		return truncateString(m.sanitize(fmt.Sprint(val)))
	}
}

func (m *Manager) renderList(items []any) string {
	shown := items
	dropped := 0
	if len(items) > maxLiteralItems {
		shown = items[:maxLiteralItems]
		dropped = len(items) - maxLiteralItems
	}
	parts := make([]string, 0, len(shown)+1)
	for _, it := range shown {
		parts = append(parts, m.renderElement(it))
	}
	if dropped > 0 {
		parts = append(parts, fmt.Sprintf("'... %d more'", dropped))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (m *Manager) renderDict(d map[string]any) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	shown := keys
	dropped := 0
	if len(keys) > maxLiteralItems {
		shown = keys[:maxLiteralItems]
		dropped = len(keys) - maxLiteralItems
	}
	parts := make([]string, 0, len(shown)+1)
	for _, k := range shown {
		parts = append(parts, m.sanitize(k)+": "+m.renderElement(d[k]))
	}
	if dropped > 0 {
		parts = append(parts, fmt.Sprintf("'... %d more'", dropped))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (m *Manager) renderElement(v any) string {
	if s, ok := v.(string); ok {
		return "'" + truncateString(m.sanitize(s)) + "'"
	}
	return m.renderValue(v)
}

func (m *Manager) sanitize(s string) string {
	return m.fw.SanitizeQuery(s)
}

func truncateString(s string) string {
	runes := []rune(s)
	if len(runes) <= maxValueChars {
		return s
	}
	return string(runes[:maxValueChars]) + "..."
}
