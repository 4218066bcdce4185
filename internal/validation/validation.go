// Package validation provides input validation for the Aegis402 API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxSkills is the maximum number of skill tags per merchant
const MaxSkills = 32

// MaxSkillLength is the maximum length of a single skill tag
const MaxSkillLength = 64

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// txHashRegex validates transaction hashes
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks if a string is a valid transaction hash
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}

// SanitizeAddress normalizes an Ethereum address to its lowercase form
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// SanitizeTxHash normalizes a transaction hash to its lowercase 0x form
func SanitizeTxHash(hash string) string {
	hash = strings.TrimSpace(hash)
	hash = strings.ToLower(hash)

	if !strings.HasPrefix(hash, "0x") && len(hash) == 64 {
		hash = "0x" + hash
	}

	return hash
}

// SanitizeSkills trims, lowercases, de-duplicates and bounds a skill list.
// Empty tags are dropped.
func SanitizeSkills(skills []string) []string {
	seen := make(map[string]bool, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || len(s) > MaxSkillLength || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == MaxSkills {
			break
		}
	}
	return out
}
