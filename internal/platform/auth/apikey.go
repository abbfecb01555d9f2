package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const APIKeyHeader = "X-API-Key"

// publicPaths bypass authentication. These are infrastructure endpoints
// scraped by health checks and monitoring.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// IsPublicPath reports whether path skips API key authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

// KeySet holds the SHA-256 hashes of the accepted keys. The raw keys are not
// retained after construction.
type KeySet struct {
	hashes [][sha256.Size]byte
}

// NewKeySet hashes keys, ignoring blanks.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			ks.hashes = append(ks.hashes, sha256.Sum256([]byte(k)))
		}
	}
	return ks
}

// Len is the number of accepted keys.
func (ks *KeySet) Len() int { return len(ks.hashes) }

// Valid compares rawKey against every accepted key in constant time.
func (ks *KeySet) Valid(rawKey string) bool {
	if rawKey == "" {
		return false
	}
	sum := sha256.Sum256([]byte(rawKey))
	ok := 0
	for _, h := range ks.hashes {
		ok |= subtle.ConstantTimeCompare(sum[:], h[:])
	}
	return ok == 1
}

// Fingerprint is a short, non-reversible identifier for logging which key
// authenticated a request.
func Fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:4])
}

// APIKeyMiddleware rejects requests without a valid key in X-API-Key or an
// Authorization: Bearer header. An empty KeySet disables the check.
func APIKeyMiddleware(keys *KeySet) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keys == nil || keys.Len() == 0 || IsPublicPath(c.Path()) {
				return next(c)
			}

			rawKey := extractAPIKey(c)
			if rawKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}
			if !keys.Valid(rawKey) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			c.Set("api_key_fingerprint", Fingerprint(rawKey))
			return next(c)
		}
	}
}

func extractAPIKey(c echo.Context) string {
	if k := c.Request().Header.Get(APIKeyHeader); k != "" {
		return k
	}
	parts := strings.SplitN(c.Request().Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
