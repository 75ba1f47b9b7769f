// Package topic derives mesh-visible topic identifiers from channel
// names and shared secrets.
//
// Two daemons that join the same (name, secret) pair compute the
// identical topic and become discoverable to each other on the mesh.
// The derivation is deliberately expensive (Argon2id) so that a topic
// observed on the wire cannot be cheaply brute-forced back to a
// channel name.
package topic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Size is the length in bytes of a derived topic identifier.
const Size = 32

// namespace is the domain-separation label mixed into every salt.
// Changing it would partition squawk daemons from older releases.
const namespace = "squawk/v1/topic"

// Argon2id parameters. Joins are rare (human-initiated), so a
// deliberately slow derivation is acceptable.
const (
	argonPasses  = 2
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1
)

// ID is a derived topic identifier.
type ID [Size]byte

// Derive computes the topic identifier for a channel name and shared
// secret. Deterministic: identical inputs always produce byte-equal
// output. Different channel names yield unrelated topics even when
// the secret is reused, because the name is bound into the salt.
func Derive(name, secret string) ID {
	salt := sha256.Sum256([]byte(namespace + "\x00" + name))
	key := argon2.IDKey([]byte(secret), salt[:], argonPasses, argonMemory, argonThreads, Size)

	var id ID
	copy(id[:], key)
	return id
}

// Hex returns the lowercase hex encoding used on the peer wire.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String returns a short prefix of the hex encoding for log output.
func (id ID) String() string {
	return id.Hex()[:12]
}

// ParseHex decodes a wire-format topic identifier.
func ParseHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode topic: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("topic must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}
