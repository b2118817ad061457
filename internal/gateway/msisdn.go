package gateway

import "strings"

// NormalizeMSISDN formats a Kenyan phone number as 2547XXXXXXXX.
// Numbers it does not recognise are returned trimmed but otherwise unchanged.
func NormalizeMSISDN(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.NewReplacer(" ", "", "-", "").Replace(phone)

	switch {
	case strings.HasPrefix(phone, "+254"):
		return phone[1:]
	case strings.HasPrefix(phone, "0"):
		return "254" + phone[1:]
	case len(phone) == 9 && (strings.HasPrefix(phone, "7") || strings.HasPrefix(phone, "1")):
		return "254" + phone
	}
	return phone
}
