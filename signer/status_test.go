package signer

import "testing"

func TestSignerTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusViewed, true},
		{StatusPending, StatusSigned, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExpired, true},
		{StatusViewed, StatusSigned, true},
		{StatusViewed, StatusRejected, true},
		{StatusViewed, StatusExpired, true},
		{StatusViewed, StatusPending, false},
		{StatusSigned, StatusViewed, false},
		{StatusSigned, StatusRejected, false},
		{StatusSigned, StatusExpired, false},
		{StatusRejected, StatusSigned, false},
		{StatusRejected, StatusPending, false},
		{StatusExpired, StatusSigned, false},
		{StatusExpired, StatusViewed, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusSigned, StatusRejected, StatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		if s.Live() {
			t.Errorf("expected %s not to be live", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusViewed} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
		if !s.Live() {
			t.Errorf("expected %s to be live", s)
		}
	}
}

func TestIdentityVariants(t *testing.T) {
	in := Internal("user-7")
	if in.Kind != KindInternal || in.Ref != "user-7" {
		t.Errorf("unexpected internal identity: %+v", in)
	}

	ex := External("contact-3")
	if ex.Kind != KindExternal || ex.Ref != "contact-3" {
		t.Errorf("unexpected external identity: %+v", ex)
	}
}

func TestTokenDigestRoundTrip(t *testing.T) {
	raw := "eyJhbGciOiJIUzI1NiJ9.very-long-opaque-token-payload.signature"

	digest, err := DigestToken(raw)
	if err != nil {
		t.Fatalf("digest token: %v", err)
	}
	if digest == raw {
		t.Fatal("digest must not equal the raw token")
	}

	if !CompareTokenDigest(digest, raw) {
		t.Error("expected matching token to compare true")
	}
	if CompareTokenDigest(digest, raw+"x") {
		t.Error("expected mutated token to compare false")
	}
	if CompareTokenDigest(digest, "") {
		t.Error("expected empty token to compare false")
	}
}
