package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
)

// PackageNameMiddleware rejects requests whose :packageName is not a valid
// application id
func PackageNameMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		packageName := c.Param("packageName")
		if packageName == "" {
			c.Next()
			return
		}

		if err := utils.ValidatePackageName(packageName); err != nil {
			log.Warn().
				Str("package", packageName).
				Str("path", c.Request.URL.Path).
				Msg("request for invalid package name")
			AbortWithError(c, http.StatusBadRequest, err.Error())
			return
		}

		c.Next()
	}
}
