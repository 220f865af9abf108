package tracking

import (
	"strings"

	"github.com/callwatch/callwatch/pkg/utils"
)

// NotAvailable is the sentinel returned when no tracking number can be
// resolved yet for a call.
const NotAvailable = "not available yet"

// ShipmentFields are the CSV-aggregated shipment columns for one call,
// ordered oldest to newest within each field.
type ShipmentFields struct {
	PackNumbers      string `json:"allPackNumbers"`
	TrackingStatuses string `json:"allTrackingStatuses"`
	Bins             string `json:"allBins"`
	UPSOrderNumbers  string `json:"upsOrderNumbers"`
	AllParts         string `json:"allParts"`
}

// DetermineTrackingNumber resolves the current tracking number for a
// call from its aggregated shipment fields.
//
// Rules:
//  1. Last pack number non-zero with a numeric tracking status: that
//     status is the tracking number.
//  2. Last pack number non-zero with a status ending in "NP": shipment
//     not processed, tracking is not available yet.
//  3. Last pack number zero with a real bin assigned: highest numeric
//     UPS order number wins.
//  4. Otherwise not available yet.
func DetermineTrackingNumber(f ShipmentFields) string {
	packs := utils.SplitCSV(f.PackNumbers)
	statuses := utils.SplitCSV(f.TrackingStatuses)
	bins := utils.SplitCSV(f.Bins)
	upsNumbers := utils.SplitCSV(f.UPSOrderNumbers)

	var lastPack, lastStatus, lastBin string
	if len(packs) > 0 {
		lastPack = packs[len(packs)-1]
	}
	if len(statuses) > 0 {
		lastStatus = statuses[len(statuses)-1]
	}
	if len(bins) > 0 {
		lastBin = bins[len(bins)-1]
	}

	if lastPack != "" && lastPack != "0" {
		if utils.IsDigits(lastStatus) {
			return lastStatus
		}
		if strings.HasSuffix(strings.ToUpper(lastStatus), "NP") {
			return NotAvailable
		}
	}

	if lastPack == "0" && !strings.EqualFold(lastBin, "nobin") {
		best := ""
		for _, num := range upsNumbers {
			if !utils.IsDigits(num) {
				continue
			}
			if best == "" || numericLess(best, num) {
				best = num
			}
		}
		if best != "" {
			return best
		}
	}

	return NotAvailable
}

// numericLess compares two digit strings by numeric value without
// overflowing on long order numbers.
func numericLess(a, b string) bool {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// ExtractLatestParts returns the parts of the most recent shipment from
// the aggregated parts field. Each shipment's parts are wrapped in a
// top-level parenthesis group with items separated by "||"; parentheses
// nested inside part descriptions are tolerated.
func ExtractLatestParts(allParts string) []string {
	depth := 0
	start := -1
	latest := ""

	for i, ch := range allParts {
		switch ch {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					latest = strings.TrimSpace(allParts[start:i])
				}
			}
		}
	}

	if latest == "" {
		return nil
	}

	var parts []string
	for _, item := range strings.Split(latest, "||") {
		if item = strings.TrimSpace(item); item != "" {
			parts = append(parts, item)
		}
	}
	return parts
}
