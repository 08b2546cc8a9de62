// Package checksum provides the SHA-256 primitives behind the tamper-evident
// audit log chain. Every persisted log entry stores a checksum computed over
// its canonical encoding concatenated with the previous entry's checksum, so
// any after-the-fact modification or deletion of a row breaks verification of
// every subsequent row. Keeping the hashing in a dedicated package gives the
// repository and the verification endpoint one shared definition of the chain.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Chain computes the checksum for the next link of a hash chain:
// SHA-256(prev || payload), hex encoded. For the first link prev is the empty
// string.
func Chain(prev string, payload []byte) string {
	hasher := sha256.New()
	hasher.Write([]byte(prev))
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// VerifyChain checks one link: it recomputes the checksum from prev and
// payload and compares it to the stored value.
func VerifyChain(prev string, payload []byte, stored string) bool {
	return Chain(prev, payload) == stored
}
