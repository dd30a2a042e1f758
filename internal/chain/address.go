package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress decodes a 0x-prefixed 20-byte hex address, rejecting
// malformed input instead of zero-filling the way common.HexToAddress does.
func ParseAddress(s string) (common.Address, error) {
	var addr common.Address
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != common.AddressLength*2 {
		return addr, fmt.Errorf("invalid address length: %q", s)
	}
	if !common.IsHexAddress(s) {
		return addr, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// NormalizeAddress lowercases an address string for storage keys. Address
// comparison happens in exactly two places: here (string form) and through
// common.Address equality (byte form).
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AddressesEqual compares two stringly addresses case-insensitively.
func AddressesEqual(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
