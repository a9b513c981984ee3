package sign_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/sign"
)

func newTestSigner(t *testing.T) *sign.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fp := sign.Fingerprint(pub)
	trust := sign.TrustStore{fp: pub}
	return sign.New(sign.KeyPair{Private: priv, Fingerprint: fp}, trust)
}

// TestSignVerifyRoundTrip covers the round-trip property: verify(sign(x)) = hash(x).
func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	body := []byte("directive body content")

	header, err := s.Sign("#", body)
	require.NoError(t, err)
	require.True(t, sign.IsHeaderLine(header))
	require.Equal(t, "#", sign.HeaderPrefix(header))

	hash, err := s.Verify(header, body)
	require.NoError(t, err)
	require.NotEmpty(t, hash)
}

// TestSignTwiceReplacesSignatureBodyHashUnchanged covers the idempotence
// property: signing twice replaces the signature line
// but the body hash stays the same.
func TestSignTwiceReplacesSignatureBodyHashUnchanged(t *testing.T) {
	s := newTestSigner(t)
	body := []byte("same body")

	h1, err := s.Sign("#", body)
	require.NoError(t, err)
	h2, err := s.Sign("#", body)
	require.NoError(t, err)

	require.NotEqual(t, h1, h2) // timestamp/signature differ

	hash1, err := s.Verify(h1, body)
	require.NoError(t, err)
	hash2, err := s.Verify(h2, body)
	require.NoError(t, err)
	require.Equal(t, hash1, hash2)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	s := newTestSigner(t)
	header, err := s.Sign("#", []byte("original"))
	require.NoError(t, err)

	_, err = s.Verify(header, []byte("tampered"))
	require.ErrorIs(t, err, sign.ErrHashMismatch)
}

func TestVerifyRejectsUnknownFingerprint(t *testing.T) {
	s := newTestSigner(t)
	body := []byte("body")
	header, err := s.Sign("#", body)
	require.NoError(t, err)

	other := sign.New(sign.KeyPair{}, sign.TrustStore{})
	_, err = other.Verify(header, body)
	require.ErrorIs(t, err, sign.ErrUnknownFingerprint)
}
