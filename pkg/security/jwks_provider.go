package security

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWKSProvider validates RS256/ES256 tokens against a remote key set that is
// refreshed in the background.
type JWKSProvider struct {
	jwks   keyfunc.Keyfunc
	issuer string
	leeway time.Duration
}

func NewJWKSProvider(jwksURL, issuer string, refresh, leeway time.Duration, logger *zap.Logger) (*JWKSProvider, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refresh,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Failed to refresh JWKS", zap.String("url", jwksURL), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	return NewJWKSProviderWithKeyfunc(k, issuer, leeway), nil
}

// NewJWKSProviderWithKeyfunc uses a prepared key function, e.g. a static set.
func NewJWKSProviderWithKeyfunc(k keyfunc.Keyfunc, issuer string, leeway time.Duration) *JWKSProvider {
	return &JWKSProvider{jwks: k, issuer: issuer, leeway: leeway}
}

func (p *JWKSProvider) ResolveCaller(ctx context.Context, credential string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.leeway),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &userClaims{}
	if _, err := jwt.ParseWithClaims(credential, claims, p.jwks.KeyfuncCtx(ctx), opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims.identity()
}
