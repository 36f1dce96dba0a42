package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrDocumentTampered signals the document bytes no longer match the digest a
// signer is attesting to.
var ErrDocumentTampered = errors.New("integrity: document content changed since baseline")

// Digest computes the canonical content digest of raw document bytes.
// Format: "sha256:<hex>".
func Digest(documentBytes []byte) string {
	sum := sha256.Sum256(documentBytes)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ComputeBaseline fixes the digest a signing process starts from. It is the
// same computation as Digest; the separate name marks the call site intent.
func ComputeBaseline(documentBytes []byte) string {
	return Digest(documentBytes)
}

// Verify recomputes the digest of documentBytes and compares it with expected.
// Signers act days apart while the document store is outside this core's
// control, so every signature attempt re-checks the exact bytes being attested.
func Verify(documentBytes []byte, expected string) error {
	actual := Digest(documentBytes)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return ErrDocumentTampered
	}
	return nil
}

// Finalize computes the digest of the fully signed artifact. Called once, after
// the requirement completes.
func Finalize(documentBytes []byte) string {
	return Digest(documentBytes)
}
