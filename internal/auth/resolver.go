package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
)

var (
	// ErrUnauthenticated covers missing, malformed, expired and orphaned credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrMissingCredential indicates that no bearer token was presented.
	ErrMissingCredential = fmt.Errorf("%w: credential required", ErrUnauthenticated)
)

// TokenValidator verifies a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// UserLookup resolves a user identifier against the account store.
type UserLookup interface {
	FindByID(ctx context.Context, userID string) (users.User, error)
}

// IdentityResolver turns an opaque bearer token into a live user account.
type IdentityResolver struct {
	tokens TokenValidator
	users  UserLookup
}

// NewIdentityResolver wires the token validator and the account store.
func NewIdentityResolver(tokens TokenValidator, lookup UserLookup) (*IdentityResolver, error) {
	if tokens == nil {
		return nil, errors.New("auth: token validator required")
	}
	if lookup == nil {
		return nil, errors.New("auth: user lookup required")
	}
	return &IdentityResolver{tokens: tokens, users: lookup}, nil
}

// Resolve validates the token and confirms the subject still exists. A
// structurally valid token for a deleted account is rejected.
func (r *IdentityResolver) Resolve(ctx context.Context, token string) (users.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return users.User{}, ErrMissingCredential
	}
	subject, err := r.tokens.ValidateToken(token)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	user, err := r.users.FindByID(ctx, subject)
	if errors.Is(err, users.ErrUserNotFound) {
		return users.User{}, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
	}
	if err != nil {
		return users.User{}, err
	}
	return user, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
