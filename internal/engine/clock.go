package engine

import "time"

// Clock abstracts time so expiry behavior is testable without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
