// dates.go: tolerant parsing of OCR-recovered date strings.
package ocr

import (
	"strings"
	"time"
)

// dateLayouts in preference order: day.month.year as printed by the
// capture hardware, ISO as fallback, then looser variants.
var dateLayouts = []string{
	"02.01.2006",
	"2006-01-02",
	"2.1.2006",
	"02.01.06",
	"02/01/2006",
	"2006.01.02",
	"Jan 2, 2006",
	"2 January 2006",
}

// ParseDate parses a textual date in any accepted format. Returns nil when
// the text does not parse as a date.
func ParseDate(text string) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return &t
		}
	}
	return nil
}
