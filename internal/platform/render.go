package platform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/models"
)

// Selection is the stored form of a list of choices offered to the customer.
type Selection struct {
	Title string          `json:"title,omitempty"`
	Items []SelectionItem `json:"items"`
}

// SelectionItem is one entry of a Selection.
type SelectionItem struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// RenderText flattens a message into plain text for platforms without rich
// widgets. Selections become a numbered list, and suggestions and sign-in
// links are appended.
// It returns ErrUnsupported when nothing textual remains.
func RenderText(msg *models.Message) (string, error) {
	var parts []string
	if msg.Selection != "" {
		var sel Selection
		if err := json.Unmarshal([]byte(msg.Selection), &sel); err != nil {
			return "", fmt.Errorf("platform: decode selection: %w", err)
		}
		lines := make([]string, 0, len(sel.Items))
		for i, item := range sel.Items {
			lines = append(lines, fmt.Sprintf("%d) %s", i+1, item.Title))
		}
		if msg.Text != "" {
			parts = append(parts, msg.Text)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	} else if msg.Text != "" {
		parts = append(parts, msg.Text)
	}

	if len(msg.Suggestions) > 0 {
		opts := make([]string, 0, len(msg.Suggestions))
		for _, s := range msg.Suggestions {
			opts = append(opts, s.Text)
		}
		parts = append(parts, "Options: "+strings.Join(opts, " / "))
	}

	if msg.Request == models.RequestSignIn && msg.SignInURL != "" {
		parts = append(parts, "Sign in here: "+msg.SignInURL)
	}

	if len(parts) == 0 {
		if msg.ImageURL != "" {
			return msg.ImageURL, nil
		}
		return "", ErrUnsupported
	}
	return strings.Join(parts, "\n\n"), nil
}
