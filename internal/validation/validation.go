// Package validation provides input validation for the bridge API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	// txHashRegex validates transaction hashes across supported networks.
	// Lengths vary per chain, so the format is deliberately loose: 10-128
	// hex chars with an optional 0x prefix.
	txHashRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{10,128}$`)

	// amountRegex validates decimal amount strings like "100", "0.5", "45.000001".
	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTxHash checks if a string is a plausible transaction hash.
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(strings.TrimSpace(hash))
}

// NormalizeTxHash trims whitespace and strips an optional 0x prefix.
// Returns the normalized hash and whether it is valid.
func NormalizeTxHash(hash string) (string, bool) {
	hash = strings.TrimSpace(hash)
	if !txHashRegex.MatchString(hash) {
		return "", false
	}
	return strings.TrimPrefix(hash, "0x"), true
}

// IsValidAmount checks if a string is a non-negative decimal amount.
func IsValidAmount(amount string) bool {
	return amountRegex.MatchString(strings.TrimSpace(amount))
}

// NormalizeAmount canonicalizes a decimal amount string so that equal
// quantities compare equal: trims whitespace, strips trailing fractional
// zeros and leading zeros. "30.00" and "30" normalize to the same value.
func NormalizeAmount(amount string) string {
	s := strings.TrimSpace(amount)
	if !amountRegex.MatchString(s) {
		return s
	}
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	s = strings.TrimLeft(s, "0")
	if s == "" || strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	return s
}
