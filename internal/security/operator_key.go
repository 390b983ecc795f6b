// Package security holds credential handling for operator endpoints.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KeyDerivationConfig holds the scrypt cost parameters.
type KeyDerivationConfig struct {
	SCryptN      int
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int
	SaltLen      int
}

// DefaultKeyDerivationConfig returns the parameters used for operator keys.
func DefaultKeyDerivationConfig() KeyDerivationConfig {
	return KeyDerivationConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		SaltLen:      16,
	}
}

// ErrEmptyKey is returned when an operator key is configured as empty.
var ErrEmptyKey = errors.New("operator key is empty")

// OperatorKey verifies presented operator keys against a derived hash. The
// plaintext key is never retained.
type OperatorKey struct {
	cfg  KeyDerivationConfig
	salt []byte
	hash []byte
}

// NewOperatorKey derives a verifier for secret with a fresh random salt.
func NewOperatorKey(secret string, cfg KeyDerivationConfig) (*OperatorKey, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}

	salt := make([]byte, cfg.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash, err := scrypt.Key([]byte(secret), salt, cfg.SCryptN, cfg.SCryptR, cfg.SCryptP, cfg.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return &OperatorKey{cfg: cfg, salt: salt, hash: hash}, nil
}

// Verify reports whether candidate matches the configured key.
func (k *OperatorKey) Verify(candidate string) bool {
	if k == nil || candidate == "" {
		return false
	}
	derived, err := scrypt.Key([]byte(candidate), k.salt, k.cfg.SCryptN, k.cfg.SCryptR, k.cfg.SCryptP, k.cfg.SCryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, k.hash) == 1
}
