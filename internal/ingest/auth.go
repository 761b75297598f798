package ingest

import (
	"crypto/sha256"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for a missing or wrong bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks bearer tokens against a bcrypt hash. Accepted tokens
// are remembered by digest so bcrypt runs once per distinct token.
type Authenticator struct {
	hash []byte

	mu       sync.Mutex
	accepted map[[sha256.Size]byte]struct{}
}

// NewAuthenticator returns an Authenticator for hash. An empty hash accepts
// every request.
func NewAuthenticator(hash string) (*Authenticator, error) {
	a := &Authenticator{accepted: make(map[[sha256.Size]byte]struct{})}
	if hash == "" {
		return a, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	a.hash = []byte(hash)
	return a, nil
}

// Enabled reports whether a token is required.
func (a *Authenticator) Enabled() bool { return a != nil && len(a.hash) > 0 }

// Check verifies token.
func (a *Authenticator) Check(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	a.mu.Lock()
	_, ok := a.accepted[sum]
	a.mu.Unlock()
	if ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	a.mu.Lock()
	a.accepted[sum] = struct{}{}
	a.mu.Unlock()
	return nil
}

// HashToken returns a bcrypt hash of token for the ingest configuration.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
