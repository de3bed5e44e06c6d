package common

import "time"

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

// Now is always UTC so stored timestamps compare consistently across drivers.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
