package mev

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector returns the 4-byte function selector for a canonical signature
// such as "liquidationCall(address,address,address,uint256,bool)".
func Selector(signature string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(signature))[:4])
}

// selectorSet maps selectors to the signatures they were derived from.
// Entries already in selector form ("0x" + 8 hex chars) are taken as-is.
func selectorSet(signatures []string) map[string]string {
	out := make(map[string]string, len(signatures))
	for _, sig := range signatures {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if strings.HasPrefix(sig, "0x") && len(sig) == 10 {
			out[strings.ToLower(sig)] = sig
			continue
		}
		out[Selector(sig)] = sig
	}
	return out
}

func addressSet(addresses []string) map[string]struct{} {
	out := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		out[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return out
}
