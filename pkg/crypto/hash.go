package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// KeyFingerprint returns the hex BLAKE2b-256 digest of the key's DER encoding.
func KeyFingerprint(key *rsa.PublicKey) (string, error) {
	der, err := MarshalPublicKey(key)
	if err != nil {
		return "", err
	}
	sum, err := Hash(der)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// SameKey reports whether a and b encode to the same public key.
func SameKey(a, b *rsa.PublicKey) bool {
	da, err := MarshalPublicKey(a)
	if err != nil {
		return false
	}
	db, err := MarshalPublicKey(b)
	if err != nil {
		return false
	}
	ha, err := Hash(da)
	if err != nil {
		return false
	}
	hb, err := Hash(db)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ha, hb) == 1
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}
