package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

const PasswordCost = 10

const tokenBytes = 16

// HashPassword returns a self-describing bcrypt hash (salt and cost embedded).
func HashPassword(plaintext string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), PasswordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword reports whether plaintext matches hash. A mismatch is not an
// error; an unreadable hash is reported as ErrCorruptCredential.
func VerifyPassword(plaintext string, hash []byte) (bool, error) {
	err := bcrypt.CompareHashAndPassword(hash, []byte(plaintext))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
}

// GenerateToken draws 16 bytes from crypto/rand and hex-encodes them.
func GenerateToken() (string, error) {
	return generateToken(rand.Reader)
}

func generateToken(random io.Reader) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var ErrCorruptCredential = errors.New("stored credential is corrupt")
