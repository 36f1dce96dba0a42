package token

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret")

	tok, expiresAt, err := svc.Issue("signer-1", PurposeSign, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
	if until := time.Until(expiresAt); until < 55*time.Minute || until > time.Hour {
		t.Errorf("unexpected expiry %v", expiresAt)
	}

	subject, err := svc.Validate(tok, PurposeSign)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if subject != "signer-1" {
		t.Errorf("expected subject signer-1, got %q", subject)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	svc := NewService("test-secret")

	if _, _, err := svc.Issue("signer-1", PurposeSign, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero ttl: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := svc.Issue("signer-1", PurposeSign, -time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative ttl: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := svc.Issue("", PurposeSign, time.Hour); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty subject: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := svc.Issue("signer-1", "", time.Hour); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty purpose: expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateRejectsWrongPurpose(t *testing.T) {
	svc := NewService("test-secret")

	tok, _, err := svc.Issue("signer-1", PurposeSign, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for _, purpose := range []string{"download", "view", "SIGN", ""} {
		if _, err := svc.Validate(tok, purpose); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("purpose %q: expected ErrTokenInvalid, got %v", purpose, err)
		}
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Now().Add(-2 * time.Hour)
	svc := NewService("test-secret").WithClock(func() time.Time { return issued })

	tok, _, err := svc.Issue("signer-1", PurposeSign, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.WithClock(time.Now)
	if _, err := svc.Validate(tok, PurposeSign); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for expired token, got %v", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer := NewService("secret-a")
	verifier := NewService("secret-b")

	tok, _, err := issuer.Issue("signer-1", PurposeSign, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := verifier.Validate(tok, PurposeSign); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for foreign signature, got %v", err)
	}
	if _, err := verifier.Validate("not-a-token", PurposeSign); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for garbage, got %v", err)
	}
}

func TestPeekSubjectDoesNotVerify(t *testing.T) {
	issuer := NewService("secret-a")
	other := NewService("secret-b")

	tok, _, err := issuer.Issue("signer-9", PurposeSign, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if got := other.PeekSubject(tok); got != "signer-9" {
		t.Errorf("expected peeked subject signer-9, got %q", got)
	}
	if got := other.PeekSubject("garbage"); got != "" {
		t.Errorf("expected empty subject for garbage, got %q", got)
	}
}
