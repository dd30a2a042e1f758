// Package cidutil computes content identifiers for detail blobs.
package cidutil

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Sum returns the CID of a detail blob: the 0x-prefixed keccak-256 hash of
// its content, matching the hash the registry contract stores on-chain.
func Sum(content []byte) string {
	return fmt.Sprintf("0x%x", crypto.Keccak256(content))
}
