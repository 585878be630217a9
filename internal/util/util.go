package util

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCapsuleID returns a random UUID; capsule ids are handed out publicly and
// must not be guessable or ordered.
func NewCapsuleID() string {
	return uuid.NewString()
}

func NewLogID() string {
	// ULID is sortable (nice for audit scans by time)
	t := time.Now().UTC()
	return "log_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewWorkerID(service string) string {
	return service + "_" + ulid.Make().String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
