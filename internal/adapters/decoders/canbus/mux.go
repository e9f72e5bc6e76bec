package canbus

import (
	"strconv"
	"strings"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// matchCase returns the first case whose key covers v, or nil. Keys are
// comma lists of values and inclusive ranges, each in decimal or 0x hex.
func matchCase(cases []domain.MuxCase, v uint64) *domain.MuxCase {
	for i := range cases {
		if caseKeyMatches(cases[i].Key, v) {
			return &cases[i]
		}
	}
	return nil
}

func caseKeyMatches(key string, v uint64) bool {
	for _, part := range strings.Split(key, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := parseRange(part); ok {
			if v >= lo && v <= hi {
				return true
			}
			continue
		}
		if n, err := parseKeyValue(part); err == nil && n == v {
			return true
		}
	}
	return false
}

func parseRange(s string) (lo, hi uint64, ok bool) {
	a, b, found := cutRange(s)
	if !found {
		return 0, 0, false
	}
	lo, errLo := parseKeyValue(strings.TrimSpace(a))
	hi, errHi := parseKeyValue(strings.TrimSpace(b))
	if errLo != nil || errHi != nil || lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

// cutRange splits on the range dash. The dash of a "0x" prefix can't
// appear, so the first '-' after position zero is the separator.
func cutRange(s string) (string, string, bool) {
	i := strings.Index(s, "-")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func parseKeyValue(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
