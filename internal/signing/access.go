package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dealer-portal/esign-backend/pkg/security"
)

// Validator resolves a signing credential to a request. It never mutates
// anything.
type Validator struct {
	repo     Repository
	identity security.IdentityProvider
}

func NewValidator(repo Repository, identity security.IdentityProvider) *Validator {
	return &Validator{repo: repo, identity: identity}
}

// Authenticate resolves a bearer credential to the caller.
func (v *Validator) Authenticate(ctx context.Context, credential string) (*security.Identity, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	identity, err := v.identity.ResolveCaller(ctx, credential)
	if errors.Is(err, security.ErrInvalidCredential) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, transient("identity provider unavailable: %v", err)
	}
	if identity == nil || identity.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return identity, nil
}

// ResolveByID loads an identity-bound request for the authenticated caller.
// Requests without a bound signer can only be reached through their token.
func (v *Validator) ResolveByID(ctx context.Context, credential, requestID string) (*SignatureRequest, *security.Identity, error) {
	caller, err := v.Authenticate(ctx, credential)
	if err != nil {
		return nil, nil, err
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	req, err := v.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, transient("failed to load signature request: %v", err)
	}
	if req == nil {
		return nil, nil, ErrNotFound
	}

	if req.SignerUserID == nil || *req.SignerUserID != caller.UserID {
		return nil, nil, fmt.Errorf("%w: caller %s is not the signer", ErrForbidden, caller.UserID)
	}
	return req, caller, nil
}

// ResolveByToken loads a request by its capability token. The token itself
// is the authorization.
func (v *Validator) ResolveByToken(ctx context.Context, token string) (*SignatureRequest, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	req, err := v.repo.GetByTokenHash(ctx, security.HashToken(token))
	if err != nil {
		return nil, transient("failed to load signature request: %v", err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	return req, nil
}

// ResolveOwned loads a request owned by the authenticated caller.
func (v *Validator) ResolveOwned(ctx context.Context, credential, requestID string) (*SignatureRequest, *security.Identity, error) {
	caller, err := v.Authenticate(ctx, credential)
	if err != nil {
		return nil, nil, err
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	req, err := v.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, transient("failed to load signature request: %v", err)
	}
	if req == nil {
		return nil, nil, ErrNotFound
	}
	if req.OwnerID != caller.UserID {
		return nil, nil, ErrForbidden
	}
	return req, caller, nil
}
