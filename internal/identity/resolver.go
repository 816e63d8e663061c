// Package identity derives the stable chat handle used as the foreign key
// for conversations and messages. The handle survives renames and any churn
// in the network address's display metadata: it depends only on the raw
// address and the owning tenant.
package identity

import "crypto/sha256"

const (
	// HandleLength is the fixed length of every chat handle.
	HandleLength = 44

	alphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	separator = "|"
)

// Resolve derives the chat handle for a conversation address owned by a
// tenant. Deterministic: the same inputs always yield the same handle.
// Collision resistance follows from the digest; no collision check is
// performed.
func Resolve(address, tenantID string) string {
	sum := sha256.Sum256([]byte(address + separator + tenantID))
	out := make([]byte, HandleLength)
	for i := range out {
		// Wrap over the digest when the handle is longer than the digest.
		out[i] = alphabet[int(sum[i%len(sum)])%len(alphabet)]
	}
	return string(out)
}
