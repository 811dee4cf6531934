package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
)

// BroadcastEntry is a live broadcast as stored in the directory.
type BroadcastEntry struct {
	Record            domain.BroadcastRecord `json:"record"`
	Scope             string                 `json:"scope"`
	OwnerConnectionID string                 `json:"owner_connection_id"`
	StartedAt         time.Time              `json:"started_at"`
	// UpdatedAt moves forward whenever the owner (re)announces the
	// broadcast, so a stale disconnect timer can tell it was resumed.
	UpdatedAt time.Time `json:"updated_at"`
}

// ScopeFor derives the listing scope of a password. Broadcasts are only
// visible to connections authenticated with the same password.
func ScopeFor(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
