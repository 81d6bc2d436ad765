// ABOUTME: ID generation helpers shared by the bubble, canvas, and persistence packages.
// ABOUTME: ULIDs for server-stable sortable IDs, UUIDs for locally minted chat message IDs.
package ids

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// LocalPrefix marks IDs minted on the client before a persistence round trip.
const LocalPrefix = "local-"

// NewULID generates a new ULID using crypto/rand entropy.
func NewULID() ulid.ULID {
	return ulid.MustNew(ulid.Now(), rand.Reader)
}

// New returns a fresh ULID string.
func New() string {
	return NewULID().String()
}

// NewLocal returns a client-side ID that has not been persisted yet.
func NewLocal() string {
	return LocalPrefix + uuid.New().String()
}

// IsLocal reports whether id was minted locally and still awaits a server-stable ID.
func IsLocal(id string) bool {
	return len(id) > len(LocalPrefix) && id[:len(LocalPrefix)] == LocalPrefix
}
