package directive_test

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/directive"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
)

func newTestSigner(t *testing.T) *sign.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fp := sign.Fingerprint(pub)
	return sign.New(sign.KeyPair{Private: priv, Fingerprint: fp}, sign.TrustStore{fp: pub})
}

func TestWriteThenReadThreadMetaRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	path := filepath.Join(t.TempDir(), "thread.json")

	meta := directive.ThreadMeta{
		ThreadID:    "t1",
		DirectiveID: "review-pr",
		Status:      "running",
		Depth:       0,
		Limits:      map[string]float64{"turns": 10},
	}
	require.NoError(t, directive.WriteThreadMeta(signer, path, meta))

	got, err := directive.ReadThreadMeta(signer, path)
	require.NoError(t, err)
	require.Equal(t, meta.ThreadID, got.ThreadID)
	require.Equal(t, meta.DirectiveID, got.DirectiveID)
	require.Equal(t, meta.Limits["turns"], got.Limits["turns"])
}

func TestReadThreadMetaRejectsUntrustedSigner(t *testing.T) {
	writer := newTestSigner(t)
	reader := sign.New(sign.KeyPair{}, sign.TrustStore{})

	path := filepath.Join(t.TempDir(), "thread.json")
	require.NoError(t, directive.WriteThreadMeta(writer, path, directive.ThreadMeta{ThreadID: "t1", Status: "running"}))

	_, err := directive.ReadThreadMeta(reader, path)
	require.Error(t, err)
}
