package models

// PlatformData is the typed per-platform extension record stored on a
// channel. At most one variant is set. The routing core only round-trips it;
// adapters interpret it.
type PlatformData struct {
	Phone     *PhoneData     `json:"phone,omitempty"`
	WebChat   *WebChatData   `json:"webchat,omitempty"`
	Azure     *AzureData     `json:"azure,omitempty"`
	Messenger *MessengerData `json:"messenger,omitempty"`
	Email     *EmailData     `json:"email,omitempty"`
}

// PhoneData holds alternate numbers for SMS and WhatsApp channels.
type PhoneData struct {
	TryOthers    []string `json:"try_others,omitempty"`
	AlreadyTried []string `json:"already_tried,omitempty"`
}

// WebChatData holds browser push subscriptions for the web widget.
type WebChatData struct {
	PushSubscriptions []string `json:"push_subscriptions,omitempty"`
}

// AzureData holds the Bot Framework routing details needed to reply.
type AzureData struct {
	ServiceURL     string `json:"service_url"`
	ConversationID string `json:"conversation_id"`
	BotID          string `json:"bot_id,omitempty"`
}

// MessengerData holds page-level details for Messenger channels.
type MessengerData struct {
	PersonaID string `json:"persona_id,omitempty"`
}

// EmailData holds threading details for email channels.
type EmailData struct {
	Subject  string `json:"subject,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// IsZero reports whether no variant is set.
func (d PlatformData) IsZero() bool {
	return d.Phone == nil && d.WebChat == nil && d.Azure == nil &&
		d.Messenger == nil && d.Email == nil
}

// Merge returns d with every variant set in other overriding d's.
func (d PlatformData) Merge(other PlatformData) PlatformData {
	if other.Phone != nil {
		d.Phone = other.Phone
	}
	if other.WebChat != nil {
		d.WebChat = other.WebChat
	}
	if other.Azure != nil {
		d.Azure = other.Azure
	}
	if other.Messenger != nil {
		d.Messenger = other.Messenger
	}
	if other.Email != nil {
		d.Email = other.Email
	}
	return d
}
