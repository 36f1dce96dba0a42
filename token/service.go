package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidInput signals a malformed issue request.
	ErrInvalidInput = errors.New("token: invalid input")
	// ErrTokenInvalid is the single failure returned by Validate. Parse errors,
	// signature mismatches, expiry, and purpose mismatches all collapse into it so
	// a caller cannot enumerate why a link stopped working.
	ErrTokenInvalid = errors.New("token: invalid or expired")
)

// PurposeSign scopes tokens minted for the signing workflow.
const PurposeSign = "sign"

// Service issues and validates single-use, purpose-bound access tokens for
// external signers. Tokens are stateless; revocation happens by superseding the
// signer record they belong to, never by a server-side list.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a token service signing with the given HMAC secret.
func NewService(secret string) *Service {
	return &Service{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue produces a signed opaque token bound to one signer and one purpose.
func (s *Service) Issue(signerID, purpose string, ttl time.Duration) (string, time.Time, error) {
	if signerID == "" || purpose == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject and purpose are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl)
	claims := jwt.MapClaims{
		"sub":     signerID,
		"purpose": purpose,
		"jti":     uuid.NewString(),
		"iat":     issuedAt.Unix(),
		"exp":     expiresAt.Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}

	return signed, expiresAt, nil
}

// Validate checks signature, expiry, and purpose and returns the subject signer
// id. It fails closed: any defect yields ErrTokenInvalid with no further detail.
// It has no side effects.
func (s *Service) Validate(raw, expectedPurpose string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !tok.Valid {
		return "", ErrTokenInvalid
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenInvalid
	}
	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", ErrTokenInvalid
	}
	purpose, ok := claims["purpose"].(string)
	if !ok || purpose != expectedPurpose {
		return "", ErrTokenInvalid
	}

	return subject, nil
}

// PeekSubject extracts the subject claim without verifying the token. It exists
// only so failed attempts can be attributed in the audit ledger; it must never
// gate authorization.
func (s *Service) PeekSubject(raw string) string {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	subject, _ := claims["sub"].(string)
	return subject
}
