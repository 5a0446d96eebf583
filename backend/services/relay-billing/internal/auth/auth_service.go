// Package auth authenticates operators of the billing dashboard. Operators are
// configured, not stored: a shop has a handful of cashiers.
package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidCredentials represents login failure.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Operator is one configured dashboard account.
type Operator struct {
	Username     string `yaml:"username" toml:"username"`
	PasswordHash string `yaml:"passwordHash" toml:"passwordHash"`
	Role         string `yaml:"role" toml:"role"`
}

// AuthService checks operator credentials and issues tokens.
type AuthService struct {
	operators map[string]Operator
	hasher    Hasher
	tokenizer *TokenService
	logger    *zap.Logger
}

// NewAuthService builds AuthService.
func NewAuthService(operators []Operator, hasher Hasher, tokenizer *TokenService, logger *zap.Logger) *AuthService {
	byName := make(map[string]Operator, len(operators))
	for _, op := range operators {
		name := strings.ToLower(strings.TrimSpace(op.Username))
		if name == "" {
			continue
		}
		if op.Role == "" {
			op.Role = "operator"
		}
		byName[name] = op
	}
	return &AuthService{
		operators: byName,
		hasher:    hasher,
		tokenizer: tokenizer,
		logger:    logger.Named("auth"),
	}
}

// Login verifies credentials and returns a signed token.
func (s *AuthService) Login(_ context.Context, username, password string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(username))
	op, ok := s.operators[name]
	if !ok {
		_ = s.hasher.Compare("", password)
		return "", ErrInvalidCredentials
	}
	if password == "" {
		return "", ErrInvalidCredentials
	}
	if err := s.hasher.Compare(op.PasswordHash, password); err != nil {
		s.logger.Info("failed login", zap.String("username", name))
		return "", ErrInvalidCredentials
	}

	token, err := s.tokenizer.GenerateToken(name, op.Role)
	if err != nil {
		return "", err
	}
	s.logger.Info("operator logged in", zap.String("username", name), zap.String("role", op.Role))
	return token, nil
}
