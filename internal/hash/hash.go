package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Digest returns the hex-encoded SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func DigestString(data string) string {
	return Digest([]byte(data))
}

// Canonical encodes v as compact JSON without HTML escaping and without a
// trailing newline, so the bytes match what other nodes produce for the same
// struct.
func Canonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Calculate digests the canonical JSON form of data.
func Calculate(data interface{}) (string, error) {
	jsonData, err := Canonical(data)
	if err != nil {
		return "", err
	}
	return Digest(jsonData), nil
}
