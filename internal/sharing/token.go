package sharing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// linkDomainKey separates share-link hashes from every other BLAKE3 use.
var linkDomainKey = [32]byte{
	'u', 'l', 't', 'r', 'a', 'l', 'i', 'g', 'h', 't', '.', 's', 'h', 'a', 'r', 'e',
	'.', 'l', 'i', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// newToken returns a random URL-safe link token.
func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the stored form of a link token. Only hashes are persisted.
func HashToken(token string) string {
	h, err := blake3.NewKeyed(linkDomainKey[:])
	if err != nil {
		panic("sharing: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
