package tracking

import (
	"regexp"
	"strings"
)

// Carrier identifies which shipping carrier a tracking number belongs to.
type Carrier string

const (
	CarrierUPS     Carrier = "ups"
	CarrierFedEx   Carrier = "fedex"
	CarrierUnknown Carrier = ""
)

var (
	// 1Z followed by exactly 16 alphanumerics.
	upsPattern = regexp.MustCompile(`^1Z[0-9A-Z]{16}$`)
	// 12, 15 or 20 digits, or 96 plus 20 digits.
	fedexPattern = regexp.MustCompile(`^(?:\d{12}|\d{15}|\d{20}|96\d{20})$`)
)

// IsUPSTrackingNumber reports whether the number matches the UPS format.
func IsUPSTrackingNumber(trackingNumber string) bool {
	if trackingNumber == "" || trackingNumber == NotAvailable {
		return false
	}
	normalized := normalizeTrackingNumber(trackingNumber)
	return upsPattern.MatchString(normalized)
}

// IsFedExTrackingNumber reports whether the number matches a FedEx format.
func IsFedExTrackingNumber(trackingNumber string) bool {
	if trackingNumber == "" || trackingNumber == NotAvailable {
		return false
	}
	return fedexPattern.MatchString(strings.TrimSpace(trackingNumber))
}

// DetectCarrier classifies a tracking number. UPS is checked first since
// its prefix makes the format unambiguous.
func DetectCarrier(trackingNumber string) Carrier {
	switch {
	case IsUPSTrackingNumber(trackingNumber):
		return CarrierUPS
	case IsFedExTrackingNumber(trackingNumber):
		return CarrierFedEx
	default:
		return CarrierUnknown
	}
}

func normalizeTrackingNumber(trackingNumber string) string {
	normalized := strings.ToUpper(strings.TrimSpace(trackingNumber))
	normalized = strings.ReplaceAll(normalized, " ", "")
	return strings.ReplaceAll(normalized, "-", "")
}
