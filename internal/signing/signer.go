package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// LocalSigner signs messages with an ed25519 key held in memory. Its address
// is the last 20 bytes of the SHA3-256 of the public key, hex encoded with a
// 0x prefix, matching the address shape the rest of the ledger validates.
//
// Production deployments plug a wallet-backed signer into the same
// interface; LocalSigner exists for the CLI and tests.
type LocalSigner struct {
	priv    ed25519.PrivateKey
	address string
}

// NewLocalSigner generates a fresh key pair.
func NewLocalSigner() (*LocalSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return fromPrivate(priv), nil
}

// FromSeed builds a deterministic signer from a 32-byte seed, given as raw
// bytes or with a 0x hex prefix already stripped by the caller.
func FromSeed(seed []byte) (*LocalSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return fromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

// FromSeedHex builds a signer from a hex-encoded seed.
func FromSeedHex(s string) (*LocalSigner, error) {
	s = strings.TrimPrefix(s, "0x")
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return FromSeed(seed)
}

func fromPrivate(priv ed25519.PrivateKey) *LocalSigner {
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha3.Sum256(pub)
	return &LocalSigner{
		priv:    priv,
		address: "0x" + hex.EncodeToString(sum[12:]),
	}
}

// Address returns the signer's 0x-prefixed hex address.
func (s *LocalSigner) Address() string {
	return s.address
}

// Sign signs data and returns the 0x-prefixed hex signature.
func (s *LocalSigner) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.priv, data)
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign.
func (s *LocalSigner) Verify(data []byte, signature string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return false
	}
	pub := s.priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, data, sig)
}
