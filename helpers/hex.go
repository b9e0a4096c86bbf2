package helpers

import (
	"encoding/hex"
	"strings"
)

func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// UpperHex is the canonical text form for tags and frames on air.
func UpperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
