package auth

import (
	"encoding/hex"
	"strings"
)

const (
	// KeyPrefix is the prefix of every API key issued by the daemon
	KeyPrefix = "pv_key_"
	// KeyLength is the number of random bytes behind the prefix
	KeyLength = 32
)

// LooksLikeKey reports whether s has the shape of an issued API key. It lets
// the middleware and the CLI reject typos without a store lookup.
func LooksLikeKey(s string) bool {
	rest, ok := strings.CutPrefix(s, KeyPrefix)
	if !ok || len(rest) != 2*KeyLength {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
