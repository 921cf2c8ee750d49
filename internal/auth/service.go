// Package auth authenticates service accounts against the store emulator.
// Accounts present an RS256 assertion signed with their private key and get
// a short-lived HS256 access token back.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lgulliver/storepush/internal/common"
	"github.com/lgulliver/storepush/pkg/config"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// JWTBearerGrant is the only grant type the token endpoint accepts
const JWTBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// GrantError is an OAuth error returned by the token endpoint
type GrantError struct {
	Code        string
	Description string
}

func (e *GrantError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func invalidGrant(format string, args ...any) *GrantError {
	return &GrantError{Code: "invalid_grant", Description: fmt.Sprintf(format, args...)}
}

// Service handles service accounts and access tokens
type Service struct {
	db     *common.Database
	cache  *common.Cache
	config *config.AuthConfig
}

// NewService creates a new authentication service. cache may be nil.
func NewService(db *common.Database, cache *common.Cache, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		config: config,
	}
}

// RegisterAccount creates or replaces a service account
func (s *Service) RegisterAccount(ctx context.Context, req *types.RegisterAccountRequest) (*types.ServiceAccount, error) {
	if req.ClientEmail == "" {
		return nil, fmt.Errorf("client_email is required")
	}
	if _, err := jwt.ParseRSAPublicKeyFromPEM([]byte(req.PublicKeyPEM)); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	account := &types.ServiceAccount{
		ClientEmail:  req.ClientEmail,
		ProjectID:    req.ProjectID,
		PublicKeyPEM: req.PublicKeyPEM,
	}
	if err := s.db.WithContext(ctx).Save(account).Error; err != nil {
		return nil, fmt.Errorf("failed to save service account: %w", err)
	}
	s.forget(ctx, account.ClientEmail)

	log.Info().Str("client_email", account.ClientEmail).Str("project_id", account.ProjectID).Msg("Registered service account")
	return account, nil
}

// IssueToken verifies a signed assertion and issues an access token.
// audience is the token endpoint URL the assertion must be addressed to.
func (s *Service) IssueToken(ctx context.Context, grantType, assertion, audience string) (*types.AuthToken, error) {
	if grantType != JWTBearerGrant {
		return nil, &GrantError{Code: "unsupported_grant_type", Description: grantType}
	}

	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, unverified); err != nil {
		return nil, invalidGrant("malformed assertion")
	}
	issuer, _ := unverified.GetIssuer()
	if issuer == "" {
		return nil, invalidGrant("assertion has no issuer")
	}

	account, err := s.findAccount(ctx, issuer)
	if err != nil {
		return nil, err
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(account.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored public key: %w", err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (interface{}, error) {
		return publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(account.ClientEmail),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		log.Warn().Err(err).Str("client_email", issuer).Msg("Rejected token assertion")
		return nil, invalidGrant("invalid JWT signature or claims")
	}

	scope, _ := claims["scope"].(string)
	token, err := utils.GenerateAccessToken(account.ClientEmail, scope, s.config.JWTSecret, s.config.TokenExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	log.Info().Str("client_email", account.ClientEmail).Dur("expires_in", s.config.TokenExpiration).Msg("Issued access token")
	return &types.AuthToken{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.config.TokenExpiration / time.Second),
	}, nil
}

// ValidateToken validates an access token and returns its service account
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*types.ServiceAccount, error) {
	email, err := utils.ValidateAccessToken(tokenString, s.config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	cacheKey := "account:" + email
	if s.cache != nil {
		var account types.ServiceAccount
		if err := s.cache.Get(ctx, cacheKey, &account); err == nil {
			return &account, nil
		}
	}

	var account types.ServiceAccount
	if err := s.db.WithContext(ctx).Where("client_email = ?", email).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("service account not found")
		}
		return nil, fmt.Errorf("failed to get service account: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, &account, 10*time.Minute); err != nil {
			log.Warn().Err(err).Msg("Failed to cache service account")
		}
	}
	return &account, nil
}

func (s *Service) findAccount(ctx context.Context, email string) (*types.ServiceAccount, error) {
	var account types.ServiceAccount
	if err := s.db.WithContext(ctx).Where("client_email = ?", email).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invalidGrant("unknown service account %s", email)
		}
		return nil, fmt.Errorf("failed to find service account: %w", err)
	}
	return &account, nil
}

func (s *Service) forget(ctx context.Context, email string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "account:"+email); err != nil {
		log.Warn().Err(err).Msg("Failed to drop cached service account")
	}
}
