package interfaces

// Signer is the message-signing capability consumed by this module. The
// wallet integration that produces one is an external collaborator; tests
// and the CLI use the local ed25519 implementation.
type Signer interface {
	// Address returns the signer's 0x-prefixed hex address.
	Address() string

	// Sign signs the given payload and returns a 0x-prefixed hex signature.
	Sign(data []byte) (string, error)
}
