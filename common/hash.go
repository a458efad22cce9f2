package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ruteri/content-sync/interfaces"
	"golang.org/x/crypto/blake2b"
)

// SHA256Hash is the default content fingerprint: hex-encoded SHA-256.
func SHA256Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Blake2bHash fingerprints content with BLAKE2b-256.
func Blake2bHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFuncByName resolves a configured hash algorithm.
func HashFuncByName(name string) (interfaces.HashFunc, error) {
	switch name {
	case "", "sha256":
		return SHA256Hash, nil
	case "blake2b", "blake2b-256":
		return Blake2bHash, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
}
