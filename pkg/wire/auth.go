package wire

import (
	"github.com/ha1tch/pglite/pkg/errors"
)

// Authenticator is the startup+password exchange plug point.
// Authenticator and Backend variants are selected at startup as tagged
// configuration, never via dynamic discovery. This interface is the
// only seam, so the Query Processor and Connection Handler never know
// which variant is in play.
type Authenticator interface {
	// Method names the SASL/password mechanism to announce to the
	// client after Startup (e.g. "cleartext").
	Method() string
	// Verify checks credentials extracted from connection metadata
	// (user, database) against the supplied password bytes. On success
	// it returns the metadata to merge into the connection, crucially
	// dbpath. On failure it returns a *errors.Error with SQLSTATE
	// 28P01 and FATAL severity.
	Verify(user, database string, password []byte) (map[string]string, error)
}

// CleartextAuthenticator is the bundled cleartext-password variant. It
// holds a single shared secret compared bytewise against the client's
// PasswordMessage.
//
// Pinned behavior: when no credential is configured at all,
// authentication is unconditionally rejected. An earlier draft of this
// gateway fell back to a hardcoded placeholder password in this
// situation; that fallback is not reproduced here.
type CleartextAuthenticator struct {
	secretFn func() []byte
}

// NewCleartextAuthenticator builds the variant with a fixed secret. An
// empty secret means "no credential configured": every Verify call
// then fails regardless of what the client sends.
func NewCleartextAuthenticator(secret string) *CleartextAuthenticator {
	fixed := []byte(secret)
	return &CleartextAuthenticator{secretFn: func() []byte { return fixed }}
}

// NewCleartextAuthenticatorFromSource builds the variant with a secret
// read fresh on every Verify call, so a credential source that reloads
// in the background (see pkg/credwatch) takes effect without restarting
// the gateway.
func NewCleartextAuthenticatorFromSource(secretFn func() []byte) *CleartextAuthenticator {
	return &CleartextAuthenticator{secretFn: secretFn}
}

func (a *CleartextAuthenticator) Method() string { return "cleartext" }

func (a *CleartextAuthenticator) Verify(user, database string, password []byte) (map[string]string, error) {
	secret := a.secretFn()
	if len(secret) == 0 {
		return nil, errors.AuthFailed("no credential configured").Err()
	}
	if !constantTimeEqual(secret, password) {
		return nil, errors.AuthFailed("password mismatch").Err()
	}
	return map[string]string{
		"user":     user,
		"database": database,
		"dbpath":   user + "/" + database,
	}, nil
}

// constantTimeEqual avoids leaking comparison length/position through
// timing for what is, after all, a password check.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
