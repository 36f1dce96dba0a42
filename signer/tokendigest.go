package signer

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DigestToken derives the stored digest for a raw bearer token. Tokens exceed
// bcrypt's input limit, so the raw token is reduced with SHA-256 first.
func DigestToken(raw string) (string, error) {
	sum := sha256.Sum256([]byte(raw))
	digest, err := bcrypt.GenerateFromPassword(sum[:], bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("signer: digest token: %w", err)
	}
	return string(digest), nil
}

// CompareTokenDigest reports whether raw matches the stored digest.
func CompareTokenDigest(digest, raw string) bool {
	sum := sha256.Sum256([]byte(raw))
	return bcrypt.CompareHashAndPassword([]byte(digest), sum[:]) == nil
}
