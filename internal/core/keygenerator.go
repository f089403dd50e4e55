package core

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

const tokenValueBytes = 32

func newID() string {
	return uuid.NewString()
}

// newTokenValue returns 256 bits from crypto/rand, base64url encoded without padding.
func newTokenValue() (string, error) {
	b := make([]byte, tokenValueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
