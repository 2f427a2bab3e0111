// Package ids generates the kernel's opaque identifiers and provides the
// process-wide clock. Components take the Clock interface so tests can drive
// time deterministically.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// NewPersistentID returns a fresh UUID v4 for durable session identity.
func NewPersistentID() string {
	return uuid.NewString()
}

// NewSubscriptionID returns a short unique id for bus subscriptions.
func NewSubscriptionID() string {
	return "sub-" + uuid.NewString()[:12]
}

// NewFeedbackID builds a feedback record id of the form
// fb-YYYYMMDD-<8 lowercase hex>.
func NewFeedbackID(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", &protocol.InternalError{Code: "entropy unavailable: " + err.Error()}
	}
	return fmt.Sprintf("fb-%s-%s", now.UTC().Format("20060102"), hex.EncodeToString(b[:])), nil
}

// Clock is the single time source for the kernel. NowMono is monotonic and
// only meaningful for ordering and durations inside the process; Now is
// wall-clock UTC for persisted records.
type Clock interface {
	Now() time.Time
	NowMono() time.Duration
}

// SystemClock reads the OS clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a SystemClock anchored at construction time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Time          { return time.Now().UTC() }
func (c *SystemClock) NowMono() time.Duration  { return time.Since(c.start) }
