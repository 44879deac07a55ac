package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GET /api/communications/{id}
// comm:view:{communication_id}
func CommunicationViewKey(id uuid.UUID) string {
	return fmt.Sprintf("comm:view:%s", id)
}

// Bumped on every change so a view loaded before the change is never cached.
// comm:view:{communication_id}:v
func CommunicationViewVersionKey(id uuid.UUID) string {
	return fmt.Sprintf("comm:view:%s:v", id)
}

// Guards concurrent creates with the same idempotency key.
// comm:idem:{author_id}:{sha256(key)}
func IdempotencyLockKey(authorID uuid.UUID, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("comm:idem:%s:%s", authorID, hex.EncodeToString(sum[:12]))
}
