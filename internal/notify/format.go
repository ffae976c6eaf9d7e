package notify

import (
	"fmt"
	"strconv"
)

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Field is one name/value pair shown on a formatted alert.
type Field struct {
	Name  string
	Value string
	Short bool
}

// FormattedAlert is an alert laid out for a chat sink.
type FormattedAlert struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

func alertColor(kind AlertKind) string {
	switch kind {
	case AlertHandoffRequested, AlertCustomerMessage:
		return ColorWarning
	case AlertEscalated, AlertDeliveryFailed:
		return ColorError
	case AlertDigest:
		return ColorInfo
	default:
		return ColorInfo
	}
}

func alertTitle(a Alert) string {
	switch a.Kind {
	case AlertHandoffRequested:
		return fmt.Sprintf("Conversation %d needs an operator", a.ConversationID)
	case AlertCustomerMessage:
		return fmt.Sprintf("New message in conversation %d", a.ConversationID)
	case AlertEscalated:
		return fmt.Sprintf("Conversation %d escalated", a.ConversationID)
	case AlertDeliveryFailed:
		return fmt.Sprintf("Delivery failed in conversation %d", a.ConversationID)
	case AlertDigest:
		return "Waiting conversations"
	default:
		return string(a.Kind)
	}
}

// Format lays out an alert for Slack or Discord.
func Format(a Alert) FormattedAlert {
	f := FormattedAlert{
		Title: alertTitle(a),
		Body:  a.Text,
		Color: alertColor(a.Kind),
	}
	if a.ConversationID != 0 {
		f.Fields = append(f.Fields, Field{Name: "Conversation", Value: strconv.FormatUint(uint64(a.ConversationID), 10), Short: true})
	}
	if a.Platform != "" {
		f.Fields = append(f.Fields, Field{Name: "Platform", Value: a.Platform, Short: true})
	}
	if a.CustomerID != "" {
		f.Fields = append(f.Fields, Field{Name: "Customer", Value: a.CustomerID, Short: true})
	}
	return f
}
