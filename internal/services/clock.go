package services

import "time"

// Clock is the server's trusted time source. Session math never uses client time.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
