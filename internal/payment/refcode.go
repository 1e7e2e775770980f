package payment

import (
	"fmt"
	"regexp"
	"strconv"
)

// Bank transfer descriptions are capped at 25 characters and banks prepend
// their own junk, so the order reference has to be short and findable as a
// substring.
const MaxRefLen = 25

var (
	// current format: P + decimal order id
	refRe = regexp.MustCompile(`P(\d+)`)
	// legacy format: a bare digit run of at least 10 characters, the way
	// order ids were embedded before the P prefix existed
	legacyRe = regexp.MustCompile(`\d{10,}`)
)

// EncodeRef renders the transfer-description token for an order.
func EncodeRef(orderID int64) string {
	return fmt.Sprintf("P%d", orderID)
}

// DecodeRef scans free-form description text for an order reference.
// It prefers the first current-format token and falls back to the legacy
// bare digit run. Returns ok=false when nothing recognizable is present;
// uncontrolled bank text must never be able to make this fail loudly.
func DecodeRef(description string) (int64, bool) {
	if m := refRe.FindStringSubmatch(description); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	if m := legacyRe.FindString(description); m != "" {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}
