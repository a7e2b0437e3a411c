package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"solana-gas-relay/internal/domain"
)

// ComputeBurnID computes a deterministic burn_id using SHA256.
// Formula: SHA256(event_id|method)
// Returns hex-encoded hash (64 characters).
func ComputeBurnID(eventID string, method domain.BurnMethod) string {
	data := fmt.Sprintf("%s|%s", eventID, string(method))

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
