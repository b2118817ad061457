package util

import "time"

// MaxBackoff caps the delay returned by Backoff
const MaxBackoff = 30 * time.Second

// Backoff returns the exponential delay before retry number attempt (1-based)
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}
