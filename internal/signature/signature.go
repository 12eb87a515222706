// Package signature verifies hex-encoded HMAC signatures over raw webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// Algorithm selects the HMAC hash.
type Algorithm func() hash.Hash

var (
	SHA256 Algorithm = sha256.New
	SHA512 Algorithm = sha512.New
)

// Sign returns the lowercase hex HMAC of body.
func Sign(alg Algorithm, secret string, body []byte) string {
	mac := hmac.New(alg, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC of body in constant time. An empty
// secret or header never verifies. An optional "sha256=" style prefix is accepted.
func Verify(alg Algorithm, secret string, body []byte, header string) bool {
	if secret == "" {
		return false
	}
	header = strings.TrimSpace(header)
	if i := strings.IndexByte(header, '='); i >= 0 && i < 8 {
		header = header[i+1:]
	}
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(alg, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
