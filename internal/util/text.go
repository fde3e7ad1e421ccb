package util

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/AdguardTeam/golibs/log"
)

// RandomInt64 returns a uniformly distributed random value in [min, max),
// used to jitter cache TTLs so a burst of resolutions made at the same
// moment doesn't also expire in the same moment.
func RandomInt64(min, max int64) (int64, error) {
	if min == max {
		return min, nil
	}

	span := new(big.Int).SetInt64(max - min)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		log.Error("trojan: generate random value in [%d,%d): %v", min, max, err)
		return min, err
	}
	return n.Int64() + min, nil
}

// ShortText truncates s to at most maxLen bytes without splitting a
// multi-byte rune, for logging attacker-controlled strings (domain
// names, ALPN identifiers) whose length spec.md bounds on the wire but
// not in practice for a misbehaving client.
func ShortText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if utf8.ValidString(s[:maxLen]) {
		return s[:maxLen]
	}
	return strings.ToValidUTF8(s[:maxLen], "")
}
