package txgateway

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// ed25519Flag is the signature scheme byte the node expects in front of a
// serialized signature.
const ed25519Flag byte = 0x00

// Signer signs transaction bytes with an ed25519 key in the node's
// flag || signature || pubkey envelope.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner derives a signer from a base64-encoded 32-byte seed.
func NewSigner(seedB64 string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("decode key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign returns the base64 serialized signature over txBytes.
func (s *Signer) Sign(txBytes []byte) string {
	sig := ed25519.Sign(s.priv, txBytes)
	pub := s.priv.Public().(ed25519.PublicKey)

	out := make([]byte, 0, 1+len(sig)+len(pub))
	out = append(out, ed25519Flag)
	out = append(out, sig...)
	out = append(out, pub...)
	return base64.StdEncoding.EncodeToString(out)
}

// PublicKey returns the base64 public key.
func (s *Signer) PublicKey() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}
