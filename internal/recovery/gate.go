package recovery

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoSecret  = errors.New("recovery secret not configured")
	ErrForbidden = errors.New("invalid recovery secret")
)

// Gate checks the pre-shared operator secret. Only its bcrypt hash is kept in memory.
type Gate struct {
	hash []byte
}

// NewGate hashes secret. An empty secret is rejected so recovery is never left open.
func NewGate(secret string) (*Gate, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash recovery secret: %w", err)
	}
	return &Gate{hash: hash}, nil
}

// NewGateFromHash uses a bcrypt hash produced elsewhere, e.g. from configuration.
func NewGateFromHash(hash string) (*Gate, error) {
	if hash == "" {
		return nil, ErrNoSecret
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("recovery secret hash: %w", err)
	}
	return &Gate{hash: []byte(hash)}, nil
}

// Check returns ErrForbidden unless secret matches.
func (g *Gate) Check(secret string) error {
	if g == nil {
		return ErrNoSecret
	}
	if secret == "" || bcrypt.CompareHashAndPassword(g.hash, []byte(secret)) != nil {
		return ErrForbidden
	}
	return nil
}
