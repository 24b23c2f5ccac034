package channel

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DeriveChannelID computes a deterministic channel identifier from the
// funding parameters. The custody contract is the real authority for channel
// ids; this derivation exists for offline tooling and tests and uses the
// same `chain:user:pool:nonce` preimage shape.
func DeriveChannelID(chainID uint64, userAddress, poolAddress string, nonce uint64) string {
	preimage := fmt.Sprintf("%d:%s:%s:%d",
		chainID,
		strings.ToLower(userAddress),
		strings.ToLower(poolAddress),
		nonce,
	)
	sum := sha3.Sum256([]byte(preimage))
	return "0x" + hex.EncodeToString(sum[:])
}
