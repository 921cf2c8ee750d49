package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/storepush/pkg/types"
)

// statusNames maps HTTP codes to canonical error status names
var statusNames = map[int]string{
	http.StatusBadRequest:            "INVALID_ARGUMENT",
	http.StatusUnauthorized:          "UNAUTHENTICATED",
	http.StatusForbidden:             "PERMISSION_DENIED",
	http.StatusNotFound:              "NOT_FOUND",
	http.StatusConflict:              "ALREADY_EXISTS",
	http.StatusPreconditionFailed:    "FAILED_PRECONDITION",
	http.StatusRequestEntityTooLarge: "OUT_OF_RANGE",
	http.StatusUnsupportedMediaType:  "INVALID_ARGUMENT",
	http.StatusInternalServerError:   "INTERNAL",
}

// StatusName returns the canonical status for an HTTP code
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// AbortWithError writes an API error body and stops the handler chain
func AbortWithError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, types.ErrorResponse{
		Error: types.ErrorDetail{
			Code:    code,
			Message: message,
			Status:  StatusName(code),
		},
	})
}
