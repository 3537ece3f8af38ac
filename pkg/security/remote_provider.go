package security

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

type remoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// RemoteProvider resolves opaque session tokens against an external user
// endpoint. Results are cached by token hash.
type RemoteProvider struct {
	client *resty.Client
	path   string
	cache  *expirable.LRU[string, *Identity]
	logger *zap.Logger
}

func NewRemoteProvider(baseURL, path, apiKey string, cacheSize int, cacheTTL time.Duration, logger *zap.Logger) *RemoteProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("apikey", apiKey)
	}
	// only transport failures and 5xx are worth another attempt
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &RemoteProvider{
		client: client,
		path:   path,
		cache:  expirable.NewLRU[string, *Identity](cacheSize, nil, cacheTTL),
		logger: logger,
	}
}

func (p *RemoteProvider) ResolveCaller(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}
	key := HashToken(credential)
	if identity, ok := p.cache.Get(key); ok {
		return identity, nil
	}

	var user remoteUser
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(credential).
		SetResult(&user).
		Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to call user endpoint: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, ErrInvalidCredential
	case resp.IsError():
		p.logger.Warn("User endpoint returned an error", zap.Int("status", resp.StatusCode()))
		return nil, fmt.Errorf("user endpoint returned status %d", resp.StatusCode())
	case user.ID == "":
		return nil, fmt.Errorf("%w: user endpoint returned no id", ErrInvalidCredential)
	}

	identity := &Identity{UserID: user.ID, Email: user.Email, Name: user.Name}
	p.cache.Add(key, identity)
	return identity, nil
}
