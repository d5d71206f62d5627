package agentworld

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Every message, chat, archive, and activity entry gets one.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns current time as Unix milliseconds. SQL backends
// store timestamps at this resolution.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
