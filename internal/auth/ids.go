package auth

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newCredentialID returns a ULID-based id. ULIDs sort by creation time, so
// ORDER BY id gives the "first match wins" order PIN login depends on.
func newCredentialID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "pin-" + ulid.MustNew(ulid.Timestamp(at), entropy).String()
}
