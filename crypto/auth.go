package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// AuthTagSize is the size of an envelope authentication tag in bytes.
const AuthTagSize = sha256.Size

// AuthTag is an HMAC-SHA256 tag covering an envelope's serialized fields.
type AuthTag [AuthTagSize]byte

// ComputeAuthTag computes the HMAC-SHA256 tag for data under key.
func ComputeAuthTag(key [KeySize]byte, data []byte) AuthTag {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(data)

	var tag AuthTag
	copy(tag[:], mac.Sum(nil))
	return tag
}

// VerifyAuthTag checks a tag in constant time.
func VerifyAuthTag(key [KeySize]byte, data []byte, tag AuthTag) bool {
	expected := ComputeAuthTag(key, data)
	return hmac.Equal(expected[:], tag[:])
}
