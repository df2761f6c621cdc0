package session

import (
	"crypto/rand"
	"encoding/base64"
)

// idBytes is the number of random bytes in a session id, per the data
// model: 16 bytes, encoded as 22 URL-safe base64 characters without
// padding.
const idBytes = 16

// NewID generates a fresh session id from a cryptographic RNG. Two
// generations colliding is a fatal invariant violation elsewhere in this
// package (see Registry.GetOrCreate); NewID itself just reports the
// (vanishingly unlikely) error from the RNG.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidID reports whether id has the shape of a session id generated by
// NewID (22 URL-safe base64 characters decoding to 16 bytes). It does not
// check whether the id is registered.
func ValidID(id string) bool {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return false
	}
	return len(b) == idBytes
}
