package ingest

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// epochSanityWindow bounds how far an event's claimed time may sit from
// server time before it is replaced.
const epochSanityWindow = 24 * time.Hour

// normalizeText trims and NFC-normalizes a metadata field so dedup keys
// match across producers that disagree on Unicode composition.
func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// clampEpoch returns epochMS when it falls within the sanity window around
// now, otherwise now itself.
func clampEpoch(epochMS int64, now time.Time) int64 {
	nowMS := now.UnixMilli()
	if epochMS <= 0 {
		return nowMS
	}
	diff := nowMS - epochMS
	if diff < 0 {
		diff = -diff
	}
	if diff > epochSanityWindow.Milliseconds() {
		return nowMS
	}
	return epochMS
}
