package emulator

import (
	"github.com/gin-gonic/gin"
	"github.com/lgulliver/storepush/internal/auth"
	"github.com/lgulliver/storepush/internal/middleware"
	"github.com/rs/zerolog"
)

// NewRouter wires the emulator's HTTP surface
func NewRouter(authService *auth.Service, service *Service) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())

	router.GET("/health", handleHealth())
	router.POST("/token", handleToken(authService))
	router.POST("/emulator/v1/serviceAccounts", handleRegisterAccount(authService))

	authed := middleware.AuthMiddleware(authService)

	apps := router.Group("/androidpublisher/v3/applications/:packageName")
	apps.Use(middleware.PackageNameMiddleware(), authed)
	{
		apps.POST("/edits", handleInsertEdit(service))
		apps.GET("/edits/:editId", handleGetEdit(service))
		apps.POST("/edits/:editId/commit", handleCommitEdit(service))
		apps.PUT("/edits/:editId/tracks/:track", handleUpdateTrack(service))
		apps.GET("/edits/:editId/tracks/:track", handleGetTrack(service))
	}

	upload := router.Group("/upload")
	upload.Use(authed)
	{
		upload.POST("/androidpublisher/v3/applications/:packageName/edits/:editId/:kind",
			middleware.PackageNameMiddleware(), handleStartUpload(service))
		upload.PUT("/resumable/:uploadId", handleUploadChunk(service))
	}

	return router
}
