package utils

import (
	"fmt"
	"time"
)

// Now is the engine's clock. Tests swap it to control expiry and
// signing timestamps.
var Now = time.Now

// FormatDuration renders a duration at a precision that matches its
// magnitude, for uptime and latency reporting.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// IsExpired reports whether a timestamp is older than its ttl against
// the engine clock.
func IsExpired(timestamp time.Time, ttl time.Duration) bool {
	return Now().Sub(timestamp) > ttl
}
