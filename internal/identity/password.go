package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrWeakPassword rejects credentials bcrypt cannot hash faithfully.
var ErrWeakPassword = errors.New("identity: password must be 1 to 72 bytes")

// passwordCost is shared by seeded staff accounts and patient sign-ups.
const passwordCost = bcrypt.DefaultCost

// HashPassword returns the stored form of a user or patient credential.
func HashPassword(password string) (string, error) {
	if len(password) == 0 || len(password) > 72 {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", fmt.Errorf("identity: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against a stored hash. Records without a
// hash (patients created before accounts existed) never match.
func VerifyPassword(hash, password string) error {
	if hash == "" || password == "" {
		return ErrAuth
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrAuth
		}
		return fmt.Errorf("identity: verify password: %w", err)
	}
	return nil
}
