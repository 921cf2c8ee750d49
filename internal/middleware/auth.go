package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
)

const accountKey = "service_account"

// TokenValidator resolves an access token to a service account
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*types.ServiceAccount, error)
}

// AuthMiddleware requires a valid bearer token
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			AbortWithError(c, http.StatusUnauthorized, "Request is missing required authentication credential")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		account, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("Rejected access token")
			AbortWithError(c, http.StatusUnauthorized, "Request had invalid authentication credentials")
			return
		}

		c.Set(accountKey, account)
		c.Next()
	}
}

// GetAccountFromContext extracts the authenticated service account
func GetAccountFromContext(c *gin.Context) (*types.ServiceAccount, bool) {
	account, exists := c.Get(accountKey)
	if !exists {
		return nil, false
	}
	typed, ok := account.(*types.ServiceAccount)
	return typed, ok
}
