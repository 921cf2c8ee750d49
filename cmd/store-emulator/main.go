package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lgulliver/storepush/internal/auth"
	"github.com/lgulliver/storepush/internal/common"
	"github.com/lgulliver/storepush/internal/credentials"
	"github.com/lgulliver/storepush/internal/emulator"
	"github.com/lgulliver/storepush/internal/storage"
	"github.com/lgulliver/storepush/pkg/config"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var (
		seedKey   string
		seedEmail string
		useCache  bool
	)

	root := &cobra.Command{
		Use:           "store-emulator",
		Short:         "Run a local store publishing API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(seedKey, seedEmail, useCache)
		},
	}
	root.Flags().StringVar(&seedKey, "seed-key", "", "write a service account key to this path and register it on startup")
	root.Flags().StringVar(&seedEmail, "seed-email", "publisher@storepush.local", "client email of the seeded key")
	root.Flags().BoolVar(&useCache, "redis", false, "cache service accounts in Redis")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the emulator database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromEnv()
			cfg.Logging.SetupLogging()

			db, err := common.NewDatabase(&cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("Migrations completed successfully")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("store-emulator failed")
		os.Exit(1)
	}
}

func serve(seedKey, seedEmail string, useCache bool) error {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting store emulator")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var cache *common.Cache
	if useCache {
		cache, err = common.NewCache(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer cache.Close()
	}

	blobStorage, err := storage.NewStorageFactory(&cfg.Storage).CreateStorage()
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	uploads := emulator.NewUploadManager(blobStorage, 24*time.Hour)
	defer uploads.Close()

	authService := auth.NewService(db, cache, &cfg.Auth)
	service := emulator.NewService(db, blobStorage, uploads, emulator.Options{EditLifetime: cfg.Auth.EditLifetime})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if seedKey != "" {
		if err := seed(authService, seedKey, seedEmail, fmt.Sprintf("http://localhost:%d/token", cfg.Server.Port)); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      emulator.NewRouter(authService, service),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	log.Info().Msg("Server shutdown complete")
	return nil
}

// seed writes a fresh key file and registers its public half
func seed(authService *auth.Service, path, email, tokenURL string) error {
	key, publicKey, err := credentials.GenerateKey(email, "storepush-local", tokenURL)
	if err != nil {
		return err
	}
	if err := key.WriteFile(path); err != nil {
		return err
	}
	_, err = authService.RegisterAccount(context.Background(), &types.RegisterAccountRequest{
		ClientEmail:  email,
		ProjectID:    key.ProjectID,
		PublicKeyPEM: publicKey,
	})
	if err != nil {
		return fmt.Errorf("failed to register seed key: %w", err)
	}
	log.Info().Str("client_email", email).Str("path", path).Msg("Seeded service account key")
	return nil
}
