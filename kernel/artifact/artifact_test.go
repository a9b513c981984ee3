package artifact_test

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/artifact"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
)

func writeSignedFile(t *testing.T, s *sign.Signer, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	header, err := s.Sign("#", []byte(body))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(header+"\n"+body), 0o644))
}

func newSigner(t *testing.T) *sign.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fp := sign.Fingerprint(pub)
	return sign.New(sign.KeyPair{Private: priv, Fingerprint: fp}, sign.TrustStore{fp: pub})
}

func TestProjectShadowsUserShadowsSystem(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "project")
	user := filepath.Join(root, "user")
	system := filepath.Join(root, "system")
	s := newSigner(t)

	writeSignedFile(t, s, filepath.Join(system, ".ai", "directives", "d.md"), "system version")
	writeSignedFile(t, s, filepath.Join(user, ".ai", "directives", "d.md"), "user version")
	writeSignedFile(t, s, filepath.Join(project, ".ai", "directives", "d.md"), "project version")

	store := &artifact.Store{
		ProjectRoot:       project,
		UserRoot:          user,
		SystemBundleRoots: []string{system},
		ExtByType:         map[string]string{"directives": ".md"},
		Signer:            s,
		Cache:             artifact.NewMemCache(),
	}

	resolved, err := store.Resolve("directives", "d")
	require.NoError(t, err)
	require.Equal(t, artifact.TierProject, resolved.Tier)

	verified, err := store.Verify(context.Background(), resolved)
	require.NoError(t, err)
	require.Contains(t, string(verified.Body), "project version")
}

func TestVerifyCachesByContentHash(t *testing.T) {
	root := t.TempDir()
	s := newSigner(t)
	path := filepath.Join(root, ".ai", "tools", "t.md")
	writeSignedFile(t, s, path, "tool body")

	cache := artifact.NewMemCache()
	store := &artifact.Store{
		ProjectRoot: root,
		ExtByType:   map[string]string{"tools": ".md"},
		Signer:      s,
		Cache:       cache,
	}

	resolved, err := store.Resolve("tools", "t")
	require.NoError(t, err)

	_, err = store.Verify(context.Background(), resolved)
	require.NoError(t, err)
	_, ok := cache.Get(context.Background(), path)
	require.True(t, ok)

	// Second verify should succeed via the cache without needing the
	// trust store at all (simulated by nil-ing the signer's effect is
	// not directly testable without internals, so we just assert it
	// still succeeds).
	verified, err := store.Verify(context.Background(), resolved)
	require.NoError(t, err)
	require.Contains(t, string(verified.Body), "tool body")
}

func TestTierBoundaryEnforcement(t *testing.T) {
	require.NoError(t, artifact.CheckTierBoundary(artifact.TierSystem, artifact.TierSystem))
	require.ErrorIs(t, artifact.CheckTierBoundary(artifact.TierSystem, artifact.TierUser), artifact.ErrTierViolation)
	require.NoError(t, artifact.CheckTierBoundary(artifact.TierUser, artifact.TierSystem))
	require.ErrorIs(t, artifact.CheckTierBoundary(artifact.TierUser, artifact.TierProject), artifact.ErrTierViolation)
	require.NoError(t, artifact.CheckTierBoundary(artifact.TierProject, artifact.TierSystem))
	require.NoError(t, artifact.CheckTierBoundary(artifact.TierProject, artifact.TierUser))
}

func TestResolveMissingReturnsNotFound(t *testing.T) {
	store := &artifact.Store{ProjectRoot: t.TempDir(), ExtByType: map[string]string{"directives": ".md"}}
	_, err := store.Resolve("directives", "missing")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}
