// Package signing implements Ed25519 keypair generation, canonical
// payload hashing, signing, and verification for promotion
// certificates, per SPEC_FULL.md §4.7/§8 and grounded on
// original_source/router/signing.py. Unlike the original (which used
// Python's cryptography package), this uses Go's standard library
// crypto/ed25519 directly — the idiomatic choice, and not something
// any repo in the example pack would reach for a third-party
// dependency to do (see DESIGN.md).
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/synthdesk/router/internal/canon"
)

// cert fields excluded from the signed/hashed payload.
var excludedFields = []string{"cert_sig", "cert_sha256"}

// PayloadHash computes sha256(canonical_json(cert minus cert_sig and
// cert_sha256)) as raw digest bytes, matching
// compute_cert_payload_hash in the original. Ed25519 signs and
// verifies over these 32 raw bytes, not over a hex string or the raw
// JSON — a detail worth stating explicitly since the audit-facing
// cert_body_sha256 (see PayloadHashHex) is the hex form of the same
// digest, and the two must not be confused.
func PayloadHash(cert map[string]any) ([]byte, error) {
	canonical, err := canon.MarshalExcept(cert, excludedFields...)
	if err != nil {
		return nil, fmt.Errorf("signing: canonicalize cert payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// PayloadHashHex is the hex-encoded form of PayloadHash, used for the
// audit-facing cert_body_sha256 field on AuthorityState rather than
// for signing.
func PayloadHashHex(cert map[string]any) (string, error) {
	hash, err := PayloadHash(cert)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// GenerateKeypair returns a fresh Ed25519 keypair for the offline
// key-generation tool (out of scope for the runtime core itself, per
// SPEC_FULL.md §1).
func GenerateKeypair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: generate keypair: %w", err)
	}
	return pub, priv, nil
}

// SignCertificate signs cert (excluding cert_sig/cert_sha256) with
// priv and returns the base64 signature to store as cert_sig.
func SignCertificate(cert map[string]any, priv ed25519.PrivateKey) (string, error) {
	hash, err := PayloadHash(cert)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, hash)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyCertificateSignature verifies cert's cert_sig field against
// pub. Any error in decoding or a mismatched signature is reported as
// (false, nil) — verification failure is an expected outcome here,
// not an exceptional one; the caller (authority binding) treats any
// false the same way regardless of the underlying reason.
func VerifyCertificateSignature(cert map[string]any, pub ed25519.PublicKey) (bool, error) {
	sigB64, ok := cert["cert_sig"].(string)
	if !ok || sigB64 == "" {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, nil
	}
	hash, err := PayloadHash(cert)
	if err != nil {
		return false, fmt.Errorf("signing: compute payload hash: %w", err)
	}
	return ed25519.Verify(pub, hash, sig), nil
}

// LoadEmbeddedPublicKey decodes a base64-encoded raw Ed25519 public
// key, as committed in the public-key file referenced by BuildMeta's
// critical_files list.
func LoadEmbeddedPublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("signing: decode embedded public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: embedded public key has wrong length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// LegacySelfHashMatches implements the deprecated dev-only fallback:
// cert_sha256 must equal the payload hash computed the same way a
// signature would be, i.e. the certificate asserts its own integrity
// instead of being signed. Only consulted when allow_legacy is true
// and cert_sig is absent (SPEC_FULL.md §4.7 step 4).
func LegacySelfHashMatches(cert map[string]any) (bool, error) {
	claimed, ok := cert["cert_sha256"].(string)
	if !ok || claimed == "" {
		return false, nil
	}
	hash, err := PayloadHashHex(cert)
	if err != nil {
		return false, err
	}
	return hash == claimed, nil
}
