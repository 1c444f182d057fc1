package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestPrefix marks the hash algorithm in every digest string.
const DigestPrefix = "sha256:"

// DigestHex returns the lowercase hex SHA-256 of data.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest canonicalizes v and returns its prefixed SHA-256 digest.
func Digest(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + DigestHex(data), nil
}

// SumBytes canonicalizes v and returns the raw 32-byte SHA-256 digest.
// It is the message that actor attestations sign.
func SumBytes(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
