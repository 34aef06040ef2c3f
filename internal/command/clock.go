package command

import "time"

// Clock supplies the current time for command timestamps. The production
// implementation reads the system clock; tests pin a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the local system time.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time { return time.Now() }
