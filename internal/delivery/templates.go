package delivery

import (
	"fmt"
	"regexp"
)

// TemplateMatcher recognises pre-approved WhatsApp template texts.
type TemplateMatcher struct {
	patterns []*regexp.Regexp
}

// NewTemplateMatcher compiles the template patterns. Each pattern must match
// the whole message text.
func NewTemplateMatcher(patterns []string) (*TemplateMatcher, error) {
	m := &TemplateMatcher{}
	for i, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("delivery: template %d: %w", i, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether text matches any template. A nil matcher matches
// nothing.
func (m *TemplateMatcher) Match(text string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
