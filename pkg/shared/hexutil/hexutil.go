// Package hexutil parses and renders the hex forms used at the tool
// boundaries: frame identifiers ("0x1A0" or decimal) and payload byte
// strings ("DE AD BE EF", "de:ad:be:ef").
package hexutil

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseID accepts a frame identifier in any prefix form strconv
// understands (0x, 0o, 0b, plain decimal).
func ParseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parse frame id %q", s)
	}
	return uint32(v), nil
}

// FormatID renders an identifier the way bus tooling prints it.
func FormatID(id uint32) string {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(id), 16))
}

// ParseBytes decodes a human-typed hex byte string. Spaces, colons and
// commas are accepted as separators, as is an optional 0x prefix.
func ParseBytes(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', ',', '\t':
			return -1
		}
		return r
	}, s)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, errors.Wrapf(err, "parse bytes %q", s)
	}
	return b, nil
}

// FormatBytes renders payload bytes as spaced uppercase hex pairs.
func FormatBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	const digits = "0123456789ABCDEF"
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(digits[v>>4])
		sb.WriteByte(digits[v&0x0F])
	}
	return sb.String()
}
