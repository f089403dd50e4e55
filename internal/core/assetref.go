package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AssetClaims is the payload of a signed asset reference handed out on redemption.
type AssetClaims struct {
	ImageID       string `json:"img"`
	TransactionID string `json:"txn"`
	Exp           int64  `json:"exp"`
}

// AssetSigner issues and verifies compact ed25519-signed asset references of
// the form base64url(payload) "." base64url(signature).
type AssetSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewAssetSigner derives the key pair from a seed. Any non-empty string is
// accepted; a 64 character hex string is used as the raw ed25519 seed and
// anything else is hashed to 32 bytes.
func NewAssetSigner(seed string) (*AssetSigner, error) {
	if seed == "" {
		return nil, fmt.Errorf("signing seed is empty")
	}
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) != ed25519.SeedSize {
		sum := sha256.Sum256([]byte(seed))
		raw = sum[:]
	}
	key := ed25519.NewKeyFromSeed(raw)
	return &AssetSigner{
		privateKey: key,
		publicKey:  key.Public().(ed25519.PublicKey),
	}, nil
}

func (s *AssetSigner) Sign(claims AssetClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	signature := ed25519.Sign(s.privateKey, []byte(payloadB64))
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Verify checks the signature and that the reference has not expired at now.
func (s *AssetSigner) Verify(ref string, now time.Time) (*AssetClaims, error) {
	payloadB64, sigB64, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, ErrInvalidReference
	}
	signature, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrInvalidReference
	}
	if !ed25519.Verify(s.publicKey, []byte(payloadB64), signature) {
		return nil, ErrInvalidReference
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrInvalidReference
	}
	var claims AssetClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidReference
	}
	if claims.Exp <= now.Unix() {
		return nil, ErrReferenceExpired
	}
	return &claims, nil
}
