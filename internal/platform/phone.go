package platform

import (
	"slices"

	"github.com/zulandar/switchboard/internal/models"
)

// NextPhoneAddress picks the next alternate number for a phone channel.
// It skips the current number and numbers already tried, and records the
// current number as tried in the returned extension record. When every
// alternate is exhausted it returns ok=false with the tried list reset, so
// a cross-platform fallback starts clean.
func NextPhoneAddress(ch *models.ConversationChannel) (string, models.PlatformData, bool) {
	phone := ch.PlatformData.Phone
	if phone == nil || len(phone.TryOthers) == 0 {
		return "", ch.PlatformData, false
	}

	for _, n := range phone.TryOthers {
		if n == ch.Address || slices.Contains(phone.AlreadyTried, n) {
			continue
		}
		tried := append(slices.Clone(phone.AlreadyTried), ch.Address)
		return n, models.PlatformData{Phone: &models.PhoneData{
			TryOthers:    slices.Clone(phone.TryOthers),
			AlreadyTried: tried,
		}}, true
	}

	return "", models.PlatformData{Phone: &models.PhoneData{
		TryOthers: slices.Clone(phone.TryOthers),
	}}, false
}
