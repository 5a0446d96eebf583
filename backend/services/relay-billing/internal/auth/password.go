package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest operator password relayctl will hash.
const MinPasswordLength = 6

// ErrWeakPassword is returned when hashing a password shorter than MinPasswordLength.
var ErrWeakPassword = fmt.Errorf("auth: password must be at least %d characters", MinPasswordLength)

// Hasher produces and checks the passwordHash values kept in the operators config.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher hashes operator passwords with bcrypt. Comparing against an empty hash
// still pays for one bcrypt round, so unknown usernames cost as much as wrong passwords.
type BcryptHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewBcryptHasher returns a hasher; cost 0 means bcrypt.DefaultCost and out of range
// costs are clamped.
func NewBcryptHasher(cost int) *BcryptHasher {
	switch {
	case cost == 0:
		cost = bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the value to paste into auth.operators[].passwordHash.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// Compare checks password against a configured hash.
func (h *BcryptHasher) Compare(hash, password string) error {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash(), []byte(password))
		return ErrInvalidCredentials
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func (h *BcryptHasher) dummyHash() []byte {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("relay-billing-no-such-operator"), h.cost)
	})
	return h.dummy
}

// ValidateOperators rejects operator entries that could never log in: blank or
// duplicate usernames (case-insensitive) and passwordHash values that are not bcrypt.
func ValidateOperators(operators []Operator) error {
	seen := make(map[string]struct{}, len(operators))
	var errs []error
	for i, op := range operators {
		name := strings.ToLower(strings.TrimSpace(op.Username))
		if name == "" {
			errs = append(errs, fmt.Errorf("operator %d: username is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("operator %q: duplicate username", name))
		}
		seen[name] = struct{}{}
		if _, err := bcrypt.Cost([]byte(op.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("operator %q: passwordHash is not a bcrypt hash (use relayctl hash-password): %w", name, err))
		}
	}
	return errors.Join(errs...)
}
