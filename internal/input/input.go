// Package input acquires raw frame bytes for the decoder from files and
// hex strings. Validation happens here so the decoder only ever sees bytes.
package input

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// FromFile reads one binary frame file. The whole file is one frame.
func FromFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame file: %w", err)
	}
	return b, nil
}

// FromHex converts a hex string to frame bytes. Whitespace anywhere in the
// string is dropped and one leading 0x/0X is accepted; any other non-hex
// character is rejected.
func FromHex(s string) ([]byte, error) {
	clean := stripWhitespace(s)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
	}
	if clean == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex string has odd length %d", len(clean))
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
