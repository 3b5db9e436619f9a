package security

import (
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := NewSignatureVerifier("test-secret", "cage", time.Hour)

	token, err := v.IssueToken("alice")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("expected user_id alice, got %q", claims.UserID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewSignatureVerifier("secret-a", "cage", time.Hour)
	verifier := NewSignatureVerifier("secret-b", "cage", time.Hour)

	token, err := issuer.IssueToken("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := verifier.Verify(token); err == nil {
		t.Errorf("expected verification to fail against a different secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewSignatureVerifier("test-secret", "cage", -time.Minute)

	token, err := v.IssueToken("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := v.Verify(token); err == nil {
		t.Errorf("expected verification to fail for an already-expired token")
	}
}
