package random

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"strings"
)

// DefaultTokenSize yields a 160-bit token, 32 base32 characters.
const DefaultTokenSize = 20

// FreshTokenBytes returns n bytes from the system CSPRNG.
func FreshTokenBytes(n int) []byte {
	if n <= 0 {
		n = DefaultTokenSize
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails when the OS entropy source is gone.
		panic("random: system entropy unavailable: " + err.Error())
	}
	return b
}

// FreshToken returns a DefaultTokenSize-byte base32 token.
func FreshToken() string {
	return FreshTokenN(DefaultTokenSize)
}

// FreshTokenN returns a base32 token encoding size random bytes.
func FreshTokenN(size int) string {
	return base32.StdEncoding.EncodeToString(FreshTokenBytes(size))
}

// SecureEqualFold compares two tokens case-insensitively in time that does
// not depend on how many leading characters match.
func SecureEqualFold(ours, theirs string) bool {
	a := strings.ToUpper(ours)
	b := strings.ToUpper(theirs)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
