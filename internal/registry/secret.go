package registry

import (
	"encoding/hex"
	"io"
)

const secretBytes = 32

// generateSecret returns secretBytes of r as lowercase hex.
func generateSecret(r io.Reader) (string, error) {
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
