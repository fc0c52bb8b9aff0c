/*
password.go - Credential hashing and verification

PURPOSE:
  bcrypt hashing for passwords and bot PIN codes. bcrypt's comparison is
  constant-time internally; callers never see the stored hash bytes.

SEE ALSO:
  - jwt.go: Token issuance after successful verification
*/
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost trades login latency for hardness. 12 keeps a login under
// ~300ms on current hardware.
const bcryptCost = 12

// HashPassword hashes a plaintext password.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("auth: empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(b), nil
}

// VerifyPassword reports whether plain matches the stored hash.
func VerifyPassword(hash, plain string) bool {
	if hash == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// HashPIN hashes a bot PIN code. Same KDF as passwords; PINs are short so
// the cost factor is the only hardness they get.
func HashPIN(pin string) (string, error) {
	if len(pin) < 4 {
		return "", fmt.Errorf("auth: pin too short")
	}
	return HashPassword(pin)
}

// VerifyPIN reports whether pin matches the stored hash.
func VerifyPIN(hash, pin string) bool {
	return VerifyPassword(hash, pin)
}
