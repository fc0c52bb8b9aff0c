/*
Package canonical provides RFC 8785 canonical JSON and the SHA-256 helpers
built on it.

PURPOSE:
  One canonical form for everything that gets hashed: idempotency scope
  hashes, audit payload hashes, pricing explanations, invoice version diffs.
  Canonicalization means key order and whitespace in the caller's JSON never
  change the hash.

SEE ALSO:
  - store/sqlite/idempotency.go: scope_hash
  - audit: payload_hash
  - pricing: pricing_sha
*/
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON marshals v and transforms it to its RFC 8785 canonical form.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return canon, nil
}

// JSONBytes canonicalizes raw JSON the caller already has (request bodies).
func JSONBytes(raw []byte) ([]byte, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return canon, nil
}

// SHA256 returns the full 64-hex SHA-256 of the canonical form of v.
func SHA256(v any) (string, error) {
	canon, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// SHA256Bytes hashes raw JSON after canonicalization.
func SHA256Bytes(raw []byte) (string, error) {
	canon, err := JSONBytes(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Short12 truncates a hex digest to the 12-character form used for the
// rules and pricing shas.
func Short12(hexDigest string) string {
	if len(hexDigest) <= 12 {
		return hexDigest
	}
	return hexDigest[:12]
}
