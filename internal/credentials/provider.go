// Package credentials turns service-account key files into bearer tokens
// for the store API using the JWT bearer grant.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	// Scope is the OAuth scope requested for publishing
	Scope = "https://www.googleapis.com/auth/androidpublisher"
	// DefaultTokenURL is used when the key file names no token endpoint
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	// GrantType is the JWT bearer grant
	GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	// tokens this close to expiry are exchanged again
	refreshMargin = time.Minute
)

// Provider loads key files and exchanges them for access tokens
type Provider struct {
	client   *http.Client
	tokenURL string
	scope    string
	cache    TokenCache
	now      func() time.Time
}

// Option configures a Provider
type Option func(*Provider)

// WithHTTPClient sets the client used for the token exchange
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

// WithTokenURL overrides the token endpoint of every key file
func WithTokenURL(tokenURL string) Option {
	return func(p *Provider) { p.tokenURL = tokenURL }
}

// WithCache sets the token cache
func WithCache(cache TokenCache) Option {
	return func(p *Provider) { p.cache = cache }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a credential provider
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		client: &http.Client{Timeout: 30 * time.Second},
		scope:  Scope,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		p.cache = NewMemoryTokenCache()
	}
	return p
}

// LoadCredential reads the key file at path and returns an authorized credential
func (p *Provider) LoadCredential(ctx context.Context, path string) (types.Credential, error) {
	key, err := ReadKeyFile(path)
	if err != nil {
		return types.Credential{}, err
	}

	cacheKey := key.ClientEmail + "|" + p.scope
	if cred, ok := p.cache.Get(ctx, cacheKey); ok && cred.Valid(p.now().Add(refreshMargin)) {
		log.Debug().Str("client_email", key.ClientEmail).Time("expiry", cred.Expiry).Msg("Using cached access token")
		return cred, nil
	}

	tokenURL := p.endpoint(key)
	assertion, err := p.assertion(key, tokenURL)
	if err != nil {
		return types.Credential{}, err
	}

	token, err := p.exchange(ctx, tokenURL, assertion)
	if err != nil {
		return types.Credential{}, err
	}

	cred := types.Credential{
		ClientEmail: key.ClientEmail,
		ProjectID:   key.ProjectID,
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
	}
	if token.ExpiresIn > 0 {
		cred.Expiry = p.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	p.cache.Put(ctx, cacheKey, cred)

	log.Info().
		Str("client_email", key.ClientEmail).
		Str("project_id", key.ProjectID).
		Time("expiry", cred.Expiry).
		Msg("Exchanged service account key for access token")
	return cred, nil
}

func (p *Provider) endpoint(key *ServiceAccountKey) string {
	switch {
	case p.tokenURL != "":
		return p.tokenURL
	case key.TokenURI != "":
		return key.TokenURI
	default:
		return DefaultTokenURL
	}
}

// assertion signs the RS256 JWT presented to the token endpoint
func (p *Provider) assertion(key *ServiceAccountKey, audience string) (string, error) {
	privateKey, err := key.signer()
	if err != nil {
		return "", err
	}

	now := p.now()
	claims := jwt.MapClaims{
		"iss":   key.ClientEmail,
		"scope": p.scope,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.PrivateKeyID != "" {
		token.Header["kid"] = key.PrivateKeyID
	}

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

func (p *Provider) exchange(ctx context.Context, tokenURL, assertion string) (*types.AuthToken, error) {
	form := url.Values{
		"grant_type": {GrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var terr types.TokenErrorResponse
		if json.Unmarshal(body, &terr) == nil && terr.Error != "" {
			return nil, fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, terr.Error, terr.Description)
		}
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var token types.AuthToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	return &token, nil
}
