package timing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseLapTime converts a protocol lap-time string to a duration.
//
// Accepted layouts are hh:mm:ss.fff and hh:mm:ss. Anything else, including
// the empty string, yields the zero duration which callers treat as the
// "unknown" sentinel.
func ParseLapTime(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	millis := int64(0)
	if dot := strings.IndexByte(raw, '.'); dot >= 0 {
		frac := raw[dot+1:]
		raw = raw[:dot]
		if len(frac) != 3 {
			return 0
		}
		v, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0
		}
		millis = v
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0
	}
	units := make([]int64, 3)
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0
		}
		units[i] = v
	}
	if units[1] > 59 || units[2] > 59 {
		return 0
	}

	total := units[0]*3600 + units[1]*60 + units[2]
	return time.Duration(total)*time.Second + time.Duration(millis)*time.Millisecond
}

// FormatLapTime renders a duration as hh:mm:ss.fff.
func FormatLapTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := d.Milliseconds()
	millis := total % 1000
	seconds := (total / 1000) % 60
	minutes := (total / 60000) % 60
	hours := total / 3600000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}
