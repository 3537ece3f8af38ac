package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCredential is returned when a credential is missing, malformed,
// expired or rejected by the issuer.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the resolved caller behind a bearer credential.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

// IdentityProvider resolves an opaque bearer credential to a caller.
type IdentityProvider interface {
	ResolveCaller(ctx context.Context, credential string) (*Identity, error)
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// ChainProvider asks each provider in turn and returns the first identity.
// A credential is only rejected once every provider rejected it.
type ChainProvider struct {
	providers []IdentityProvider
}

func NewChainProvider(providers ...IdentityProvider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (c *ChainProvider) ResolveCaller(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}
	var failures []error
	for _, p := range c.providers {
		identity, err := p.ResolveCaller(ctx, credential)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrInvalidCredential) {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("identity lookup failed: %w", errors.Join(failures...))
	}
	return nil, ErrInvalidCredential
}
