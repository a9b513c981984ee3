// Package sign implements the Ed25519 signature scheme used for every
// signed artifact and transcript checkpoint in the kernel. It is built
// directly on the standard library rather than a third-party
// dependency: no example
// repository in the retrieved corpus signs artifacts, and crypto/ed25519
// is the canonical, audited implementation — reaching for a third-party
// signing library here would add an unreviewed dependency for no
// benefit over what the standard library already provides correctly.
package sign

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedHeader is returned when a signature header does not match
// the "<prefix> rye:signed:<ts>:<hash>:<sig>:<fingerprint>" grammar.
var ErrMalformedHeader = errors.New("malformed signature header")

// ErrUnknownFingerprint is returned when a header's key fingerprint is
// not present in the trust store.
var ErrUnknownFingerprint = errors.New("unknown key fingerprint")

// ErrSignatureInvalid is returned when the Ed25519 signature does not
// verify against the recomputed content hash.
var ErrSignatureInvalid = errors.New("signature invalid")

// ErrHashMismatch is returned when the recomputed SHA-256 hash of the
// body does not match the hash embedded in the header.
var ErrHashMismatch = errors.New("content hash mismatch")

const magic = "rye:signed"

// TrustStore maps a hex key fingerprint to the public key it identifies.
type TrustStore map[string]ed25519.PublicKey

// KeyPair is a signing identity: a private key and the fingerprint under
// which its public half is registered in the trust store.
type KeyPair struct {
	Private     ed25519.PrivateKey
	Fingerprint string
}

// Fingerprint derives the hex fingerprint of an Ed25519 public key as the
// first 20 bytes of its SHA-256 digest, matching the hex_fingerprint
// field width used throughout the on-disk layout.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:20])
}

// Signer signs and verifies content against the header grammar:
// "<prefix> rye:signed:<ISO8601>:<hex_sha256_of_body>:
// <base64_ed25519_sig>:<hex_fingerprint>".
type Signer struct {
	key   KeyPair
	trust TrustStore
}

// New constructs a Signer that signs with key and verifies against
// trust.
func New(key KeyPair, trust TrustStore) *Signer {
	return &Signer{key: key, trust: trust}
}

// Sign produces a header line for body, using prefix as the file's
// comment syntax (e.g. "#" or "//"). The signature covers the SHA-256
// digest of body, not body directly, so verification cost is constant
// in the signature step regardless of artifact size.
func (s *Signer) Sign(prefix string, body []byte) (string, error) {
	if s.key.Private == nil {
		return "", errors.New("sign: no private key configured")
	}
	hash := sha256.Sum256(body)
	sig := ed25519.Sign(s.key.Private, hash[:])
	ts := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf("%s %s:%s:%s:%s:%s", prefix, magic, ts,
		hex.EncodeToString(hash[:]), base64.StdEncoding.EncodeToString(sig), s.key.Fingerprint), nil
}

// Verify recomputes the SHA-256 hash of body and confirms the embedded
// Ed25519 signature against a fingerprint present in the trust store. It
// returns the recomputed hash on success.
func (s *Signer) Verify(header string, body []byte) (string, error) {
	fields, err := parseHeader(header)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(body)
	gotHash := hex.EncodeToString(hash[:])
	if gotHash != fields.hashHex {
		return "", ErrHashMismatch
	}

	pub, ok := s.trust[fields.fingerprint]
	if !ok {
		return "", ErrUnknownFingerprint
	}

	sig, err := base64.StdEncoding.DecodeString(fields.sigB64)
	if err != nil {
		return "", fmt.Errorf("%w: bad signature encoding: %v", ErrMalformedHeader, err)
	}
	if !ed25519.Verify(pub, hash[:], sig) {
		return "", ErrSignatureInvalid
	}
	return gotHash, nil
}

type headerFields struct {
	prefix      string
	timestamp   string
	hashHex     string
	sigB64      string
	fingerprint string
}

func parseHeader(header string) (headerFields, error) {
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return headerFields{}, ErrMalformedHeader
	}
	prefix := header[:sp]
	rest := header[sp+1:]
	if !strings.HasPrefix(rest, magic+":") {
		return headerFields{}, ErrMalformedHeader
	}
	// The ISO8601 timestamp itself contains ':', so the three fixed
	// trailing fields are taken from the right and the timestamp is
	// whatever lies between them and the magic.
	parts := strings.Split(rest[len(magic)+1:], ":")
	if len(parts) < 4 {
		return headerFields{}, ErrMalformedHeader
	}
	n := len(parts)
	return headerFields{
		prefix:      prefix,
		timestamp:   strings.Join(parts[:n-3], ":"),
		hashHex:     parts[n-3],
		sigB64:      parts[n-2],
		fingerprint: parts[n-1],
	}, nil
}

// HeaderPrefix extracts the leading comment-syntax prefix from a header
// line, or "" if the line does not look like a signature header.
func HeaderPrefix(line string) string {
	if _, err := parseHeader(line); err != nil {
		return ""
	}
	sp := strings.IndexByte(line, ' ')
	return line[:sp]
}

// IsHeaderLine reports whether line parses as a well-formed signature
// header, independent of whether it verifies.
func IsHeaderLine(line string) bool {
	_, err := parseHeader(line)
	return err == nil
}
