package main

import (
	"unicode/utf8"

	"github.com/zulandar/switchboard/internal/models"
)

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}

// author names who wrote a message.
func author(m *models.Message) string {
	switch {
	case m.Inbound():
		return "customer"
	case m.OperatorID != nil:
		return "op:" + *m.OperatorID
	default:
		return "bot"
	}
}

// messageSummary is a one-line rendering of a message's content.
func messageSummary(m *models.Message) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.ImageURL != "":
		return "[image] " + m.ImageURL
	case m.Card != "":
		return "[card]"
	case m.Selection != "":
		return "[selection]"
	case m.Request != "":
		return "[request " + m.Request + "]"
	default:
		return ""
	}
}
