package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is random source for property style tests, seeded by clock.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
