// Package crypto provides content fingerprints for stored entities.
package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptyContent is returned when there is nothing to hash
var ErrEmptyContent = errors.New("content cannot be empty")

// HashContent returns the hex encoded BLAKE2b-256 digest of data.
// Valid JSON is canonicalized first so that key order and whitespace
// do not change the fingerprint.
func HashContent(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}

	canonical, err := canonicalJSON(data)
	if err != nil {
		canonical = data
	}

	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyContent checks that data still matches a stored fingerprint.
func VerifyContent(data []byte, hash string) error {
	if hash == "" {
		return fmt.Errorf("hash cannot be empty")
	}

	computed, err := HashContent(data)
	if err != nil {
		return fmt.Errorf("failed to compute content hash: %w", err)
	}

	if computed != hash {
		return fmt.Errorf("content hash mismatch")
	}

	return nil
}

// canonicalJSON re-encodes data with sorted object keys.
func canonicalJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
