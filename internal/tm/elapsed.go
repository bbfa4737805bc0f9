package tm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the on-disk encoding of session start times.
const TimestampLayout = "2006-01-02 15:04:05 MST"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatElapsed renders d truncated to whole seconds as "H:MM:SS", prefixed
// with "N day, " or "N days, " when d spans at least one day.
// Negative durations render as zero.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	rem := total % 86400
	clock := fmt.Sprintf("%d:%02d:%02d", rem/3600, (rem%3600)/60, rem%60)

	switch {
	case days == 1:
		return "1 day, " + clock
	case days > 1:
		return fmt.Sprintf("%d days, %s", days, clock)
	default:
		return clock
	}
}

// ParseElapsed parses a value produced by FormatElapsed.
func ParseElapsed(s string) (time.Duration, error) {
	var days int64
	clock := strings.TrimSpace(s)

	if i := strings.Index(clock, ","); i >= 0 {
		fields := strings.Fields(clock[:i])
		if len(fields) != 2 || (fields[1] != "day" && fields[1] != "days") {
			return 0, fmt.Errorf("invalid elapsed time %q", s)
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid elapsed time %q: %w", s, err)
		}
		days = n
		clock = strings.TrimSpace(clock[i+1:])
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid elapsed time %q", s)
	}
	var values [3]int64
	for i, p := range parts {
		// Fractional seconds may appear in hand-edited records; drop them.
		if i == 2 {
			p, _, _ = strings.Cut(p, ".")
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid elapsed time %q", s)
		}
		values[i] = n
	}

	secs := days*86400 + values[0]*3600 + values[1]*60 + values[2]
	return time.Duration(secs) * time.Second, nil
}

// ShortDuration renders d for tables: "2d 3h", "3h 4m", "4m" or "12s".
func ShortDuration(d time.Duration) string {
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", total)
	}
}
