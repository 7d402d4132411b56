package wire

import (
	"testing"

	"github.com/ha1tch/pglite/pkg/errors"
)

func TestCleartextAuthenticatorRejectsWhenNoCredentialConfigured(t *testing.T) {
	a := NewCleartextAuthenticator("")
	_, err := a.Verify("alice", "app", []byte("anything"))
	if err == nil {
		t.Fatal("expected authentication to fail when no credential is configured")
	}
	if !errors.IsFatal(err) {
		t.Error("expected authentication failure to be fatal")
	}
	if !errors.IsCode(err, errors.CodeInvalidPassword) {
		t.Errorf("expected code %s, got %s", errors.CodeInvalidPassword, errors.GetCode(err))
	}
}

func TestCleartextAuthenticatorRejectsWrongPassword(t *testing.T) {
	a := NewCleartextAuthenticator("correct-horse")
	_, err := a.Verify("alice", "app", []byte("wrong"))
	if err == nil {
		t.Fatal("expected authentication to fail for a wrong password")
	}
}

func TestCleartextAuthenticatorAcceptsCorrectPassword(t *testing.T) {
	a := NewCleartextAuthenticator("correct-horse")
	metadata, err := a.Verify("alice", "app", []byte("correct-horse"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metadata["user"] != "alice" || metadata["database"] != "app" {
		t.Errorf("unexpected metadata: %+v", metadata)
	}
	if metadata["dbpath"] != "alice/app" {
		t.Errorf("expected dbpath %q, got %q", "alice/app", metadata["dbpath"])
	}
}

func TestCleartextAuthenticatorFromSourceReflectsLiveChanges(t *testing.T) {
	current := []byte("first")
	a := NewCleartextAuthenticatorFromSource(func() []byte { return current })

	if _, err := a.Verify("u", "d", []byte("first")); err != nil {
		t.Fatalf("expected first secret to authenticate: %v", err)
	}

	current = []byte("second")
	if _, err := a.Verify("u", "d", []byte("first")); err == nil {
		t.Fatal("expected the old secret to be rejected once the source rotates")
	}
	if _, err := a.Verify("u", "d", []byte("second")); err != nil {
		t.Fatalf("expected the rotated secret to authenticate: %v", err)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("expected equal byte slices to compare equal")
	}
	if constantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("expected differing byte slices to compare unequal")
	}
	if constantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Error("expected differing-length byte slices to compare unequal")
	}
}
