// Package ratelimit counts requests per caller within fixed windows and
// rejects traffic above the configured ceiling. Counting is advisory: the
// window stores are approximate across instance boundaries and fail open.
package ratelimit

import "time"

// Result is the verdict of one rate-limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the whole-second hint for the Retry-After header.
	RetryAfter int
}

// SubjectKey keys the limiter by authenticated subject id.
func SubjectKey(subjectID string) string {
	return "sub:" + subjectID
}

// AddressKey keys the limiter by source address for anonymous callers.
func AddressKey(ip string) string {
	return "ip:" + ip
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
