package models

// Platform identifies the external messaging network a channel lives on.
type Platform string

const (
	PlatformMessenger     Platform = "messenger"
	PlatformTwitter       Platform = "twitter"
	PlatformTelegram      Platform = "telegram"
	PlatformAzure         Platform = "azure"
	PlatformGoogleActions Platform = "google_actions"
	PlatformSMS           Platform = "sms"
	PlatformWhatsApp      Platform = "whatsapp"
	PlatformWebChat       Platform = "webchat"
	PlatformABC           Platform = "abc"
	PlatformEmail         Platform = "email"
)

// AllPlatforms lists every known platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformMessenger,
		PlatformTwitter,
		PlatformTelegram,
		PlatformAzure,
		PlatformGoogleActions,
		PlatformSMS,
		PlatformWhatsApp,
		PlatformWebChat,
		PlatformABC,
		PlatformEmail,
	}
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	for _, known := range AllPlatforms() {
		if p == known {
			return true
		}
	}
	return false
}
