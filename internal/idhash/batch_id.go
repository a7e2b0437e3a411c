package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ComputeBatchID computes a deterministic batch_id using SHA256.
// Formula: SHA256(blockhash|sorted(burn_ids) joined by "|")
// Member order does not affect the result. The blockhash identifies the
// attempt, so a batch retried over the same burns gets a new id.
// Returns hex-encoded hash (64 characters).
func ComputeBatchID(burnIDs []string, blockhash string) string {
	ids := append([]string(nil), burnIDs...)
	sort.Strings(ids)

	data := blockhash + "|" + strings.Join(ids, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
