package emulator

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/storepush/internal/auth"
	"github.com/lgulliver/storepush/internal/middleware"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
)

func respondError(c *gin.Context, err error) {
	code, message := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	middleware.AbortWithError(c, code, message)
}

// baseURL is the scheme and host the client used to reach the emulator
func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + c.Request.Host
}

func editResponse(edit *types.Edit) types.EditResponse {
	return types.EditResponse{
		ID:                edit.ID.String(),
		ExpiryTimeSeconds: strconv.FormatInt(edit.ExpiresAt.Unix(), 10),
	}
}

func handleToken(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := authService.IssueToken(
			c.Request.Context(),
			c.PostForm("grant_type"),
			c.PostForm("assertion"),
			baseURL(c)+"/token",
		)
		if err != nil {
			var grantErr *auth.GrantError
			if errors.As(err, &grantErr) {
				status := http.StatusBadRequest
				if grantErr.Code == "invalid_grant" {
					status = http.StatusUnauthorized
				}
				c.JSON(status, types.TokenErrorResponse{Error: grantErr.Code, Description: grantErr.Description})
				return
			}
			log.Error().Err(err).Msg("Token exchange failed")
			c.JSON(http.StatusInternalServerError, types.TokenErrorResponse{Error: "server_error"})
			return
		}
		c.JSON(http.StatusOK, token)
	}
}

func handleRegisterAccount(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.RegisterAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, http.StatusBadRequest, err.Error())
			return
		}

		account, err := authService.RegisterAccount(c.Request.Context(), &req)
		if err != nil {
			middleware.AbortWithError(c, http.StatusBadRequest, err.Error())
			return
		}
		c.JSON(http.StatusCreated, account)
	}
}

func handleInsertEdit(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, _ := middleware.GetAccountFromContext(c)
		edit, err := service.InsertEdit(c.Request.Context(), c.Param("packageName"), account)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, editResponse(edit))
	}
}

func handleGetEdit(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		edit, err := service.GetEdit(c.Request.Context(), c.Param("packageName"), c.Param("editId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, editResponse(edit))
	}
}

func handleCommitEdit(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		edit, err := service.CommitEdit(c.Request.Context(), c.Param("packageName"), c.Param("editId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.EditResponse{ID: edit.ID.String()})
	}
}

func handleUpdateTrack(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var release types.TrackRelease
		if err := c.ShouldBindJSON(&release); err != nil {
			middleware.AbortWithError(c, http.StatusBadRequest, fmt.Sprintf("Invalid track release: %v", err))
			return
		}

		record, err := service.UpdateTrack(c.Request.Context(), c.Param("packageName"), c.Param("editId"), c.Param("track"), release)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record.Release())
	}
}

func handleGetTrack(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		release, err := service.GetTrack(c.Request.Context(), c.Param("packageName"), c.Param("editId"), c.Param("track"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, release)
	}
}

// handleStartUpload opens a resumable upload and points the client at it
func handleStartUpload(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("uploadType") != "resumable" {
			middleware.AbortWithError(c, http.StatusBadRequest, "Only resumable uploads are supported")
			return
		}

		total := int64(UnknownTotal)
		if header := c.GetHeader("X-Upload-Content-Length"); header != "" {
			n, err := strconv.ParseInt(header, 10, 64)
			if err != nil || n < 0 {
				middleware.AbortWithError(c, http.StatusBadRequest, "Invalid X-Upload-Content-Length")
				return
			}
			total = n
		}

		session, err := service.StartUpload(
			c.Request.Context(),
			c.Param("packageName"),
			c.Param("editId"),
			c.Param("kind"),
			c.GetHeader("X-Upload-Content-Type"),
			total,
		)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Location", fmt.Sprintf("%s/upload/resumable/%s", baseURL(c), session.ID))
		c.Status(http.StatusOK)
	}
}

// handleUploadChunk receives one chunk. Incomplete uploads are answered with
// 308 and the byte range received so far.
func handleUploadChunk(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cr, err := parseContentRange(c.GetHeader("Content-Range"), c.Request.ContentLength)
		if err != nil {
			middleware.AbortWithError(c, http.StatusBadRequest, err.Error())
			return
		}

		if cr.query {
			session, ok := service.Upload(c.Param("uploadId"))
			if !ok {
				middleware.AbortWithError(c, http.StatusNotFound, "Upload session not found")
				return
			}
			cr.start = session.Received
		}

		var body io.Reader = http.NoBody
		if cr.length > 0 {
			body = io.LimitReader(c.Request.Body, cr.length)
		}

		session, artifact, err := service.AppendUpload(c.Request.Context(), c.Param("uploadId"), cr.start, body, cr.total)
		if err != nil {
			respondError(c, err)
			return
		}
		if session.Received != cr.start+cr.length {
			middleware.AbortWithError(c, http.StatusBadRequest, "Chunk is shorter than its Content-Range")
			return
		}

		if artifact != nil {
			c.JSON(http.StatusOK, artifact)
			return
		}
		if session.Received > 0 {
			c.Header("Range", fmt.Sprintf("bytes=0-%d", session.Received-1))
		}
		c.Status(http.StatusPermanentRedirect)
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "store-emulator",
			"time":    time.Now().UTC(),
		})
	}
}

type contentRange struct {
	start  int64
	length int64
	total  int64
	// query carries no bytes, only the final size
	query bool
}

// parseContentRange reads "bytes a-b/total", "bytes */total" or "bytes a-b/*".
// Without a header the body is the whole upload.
func parseContentRange(header string, contentLength int64) (contentRange, error) {
	if header == "" {
		if contentLength < 0 {
			return contentRange{}, fmt.Errorf("Content-Range or Content-Length is required")
		}
		return contentRange{start: 0, length: contentLength, total: contentLength}, nil
	}

	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", header)
	}
	rng, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", header)
	}

	cr := contentRange{total: UnknownTotal}
	if totalStr != "*" {
		total, err := strconv.ParseInt(totalStr, 10, 64)
		if err != nil || total < 0 {
			return contentRange{}, fmt.Errorf("invalid Content-Range total %q", totalStr)
		}
		cr.total = total
	}

	if rng == "*" {
		if cr.total == UnknownTotal {
			return contentRange{}, fmt.Errorf("invalid Content-Range %q", header)
		}
		cr.query = true
		return cr, nil
	}

	startStr, endStr, ok := strings.Cut(rng, "-")
	if !ok {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", header)
	}
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", header)
	}
	if cr.total != UnknownTotal && end >= cr.total {
		return contentRange{}, fmt.Errorf("Content-Range %q ends past the total", header)
	}
	cr.start = start
	cr.length = end - start + 1
	return cr, nil
}
