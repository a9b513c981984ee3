// Package artifact implements the three-tier signed artifact store:
// directives, tools, and knowledge are resolved through
// project -> user -> system lookup, with signature verification cached
// by content hash.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leolilley/ryeos-kernel/internal/telemetry"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
)

// Tier identifies which layer of the filesystem cascade an artifact
// resolved from.
type Tier int

// Tiers in priority order: Project shadows User shadows System.
const (
	TierProject Tier = iota
	TierUser
	TierSystem
)

func (t Tier) String() string {
	switch t {
	case TierProject:
		return "project"
	case TierUser:
		return "user"
	case TierSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when an id resolves to no file in any tier.
var ErrNotFound = errors.New("artifact not found")

// ErrTierViolation is returned when a tool resolved from a narrower tier
// attempts to pull a dependency from a wider one (system may only pull
// system; user may pull user|system; project may pull any).
var ErrTierViolation = errors.New("artifact dependency crosses tier boundary")

// IntegrityError wraps a signature or hash verification failure for a
// specific path.
type IntegrityError struct {
	Path string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error for %s: %v", e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Resolved describes a located artifact before verification.
type Resolved struct {
	ID   string
	Path string
	Tier Tier
}

// Verified describes a resolved artifact whose signature has been
// checked.
type Verified struct {
	Resolved
	Hash string
	Body []byte
}

// Cache caches verification results by path, invalidated by content
// hash: a cache hit only counts when the stored hash matches the
// current file's hash, so re-reading a changed file always
// re-verifies.
type Cache interface {
	Get(ctx context.Context, path string) (hash string, ok bool)
	Set(ctx context.Context, path, hash string)
}

// Store resolves artifact ids to verified file contents through the
// three-tier cascade.
type Store struct {
	ProjectRoot string
	UserRoot    string
	// SystemBundleRoots are searched in order; the first bundle
	// containing the id wins (explicit shadowing, no warning).
	SystemBundleRoots []string
	// ExtByType maps an item type directory name (e.g. "directives",
	// "tools", "knowledge") to its file extension, data-driven so new
	// item types don't require code changes.
	ExtByType map[string]string

	Signer *sign.Signer
	Cache  Cache
	Log    telemetry.Logger
}

// extFor returns itemType's extension from ExtByType, falling back to
// ".md" when ExtByType has no entry for itemType.
func (s *Store) extFor(itemType string) string {
	if s.ExtByType != nil {
		if ext, ok := s.ExtByType[itemType]; ok {
			return ext
		}
	}
	return ".md"
}

// Resolve locates id within itemType's tier cascade, returning the
// first tier (project, then user, then each system bundle in order)
// that contains the file.
func (s *Store) Resolve(itemType, id string) (Resolved, error) {
	ext := s.extFor(itemType)
	rel := filepath.FromSlash(id) + ext

	if s.ProjectRoot != "" {
		p := filepath.Join(s.ProjectRoot, ".ai", itemType, rel)
		if fileExists(p) {
			return Resolved{ID: id, Path: p, Tier: TierProject}, nil
		}
	}
	if s.UserRoot != "" {
		p := filepath.Join(s.UserRoot, ".ai", itemType, rel)
		if fileExists(p) {
			return Resolved{ID: id, Path: p, Tier: TierUser}, nil
		}
	}
	for _, bundle := range s.SystemBundleRoots {
		p := filepath.Join(bundle, ".ai", itemType, rel)
		if fileExists(p) {
			return Resolved{ID: id, Path: p, Tier: TierSystem}, nil
		}
	}
	return Resolved{}, fmt.Errorf("%w: %s/%s", ErrNotFound, itemType, id)
}

// CheckTierBoundary enforces the dependency rule: an
// artifact resolved from fromTier may only depend on artifacts resolved
// from depTier according to: system -> {system}; user -> {user,
// system}; project -> {project, user, system}.
func CheckTierBoundary(fromTier, depTier Tier) error {
	switch fromTier {
	case TierSystem:
		if depTier != TierSystem {
			return ErrTierViolation
		}
	case TierUser:
		if depTier != TierUser && depTier != TierSystem {
			return ErrTierViolation
		}
	case TierProject:
		// may pull from any tier
	}
	return nil
}

// Verify reads resolved.Path, confirms its signature header, and caches
// the result by content hash. A cache hit still re-reads the file (a
// stat-only check cannot detect content changes that keep mtime equal on
// some filesystems) but skips the Ed25519 verification when the hash is
// unchanged.
func (s *Store) Verify(ctx context.Context, resolved Resolved) (Verified, error) {
	raw, err := os.ReadFile(resolved.Path)
	if err != nil {
		return Verified{}, &IntegrityError{Path: resolved.Path, Err: err}
	}

	nl := strings.IndexByte(string(raw), '\n')
	if nl < 0 {
		return Verified{}, &IntegrityError{Path: resolved.Path, Err: errors.New("file has no header line")}
	}
	header := string(raw[:nl])
	body := raw[nl+1:]

	if s.Cache != nil {
		if cachedHash, ok := s.Cache.Get(ctx, resolved.Path); ok {
			// Rehash the body and confirm both it and the header still
			// match the cached hash; a full Ed25519 verify is skipped on a
			// cache hit.
			sum := sha256.Sum256(body)
			if headerHash := hashFromHeader(header); headerHash != "" && headerHash == cachedHash && hex.EncodeToString(sum[:]) == cachedHash {
				return Verified{Resolved: resolved, Hash: cachedHash, Body: body}, nil
			}
		}
	}

	hash, err := s.Signer.Verify(header, body)
	if err != nil {
		return Verified{}, &IntegrityError{Path: resolved.Path, Err: err}
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, resolved.Path, hash)
	}
	return Verified{Resolved: resolved, Hash: hash, Body: body}, nil
}

// hashFromHeader extracts the embedded content-hash field from a header
// line without performing cryptographic verification, purely as a fast
// cache-hit/miss discriminator.
func hashFromHeader(header string) string {
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return ""
	}
	// The timestamp field contains ':' itself, so the hash is counted
	// from the right: it precedes the signature and fingerprint.
	parts := strings.Split(header[sp+1:], ":")
	if len(parts) < 6 {
		return ""
	}
	return parts[len(parts)-3]
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
