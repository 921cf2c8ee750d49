package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lgulliver/storepush/internal/credentials"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		clientEmail string
		projectID   string
		tokenURL    string
		out         string
		register    string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a service account key for the store emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenURL == "" && register != "" {
				tokenURL = strings.TrimRight(register, "/") + "/token"
			}
			key, publicKey, err := credentials.GenerateKey(clientEmail, projectID, tokenURL)
			if err != nil {
				return err
			}
			if err := key.WriteFile(out); err != nil {
				return err
			}
			log.Info().Str("client_email", clientEmail).Str("path", out).Msg("Wrote service account key")

			if register == "" {
				return nil
			}
			return registerKey(cmd.Context(), register, &types.RegisterAccountRequest{
				ClientEmail:  clientEmail,
				ProjectID:    projectID,
				PublicKeyPEM: publicKey,
			})
		},
	}

	cmd.Flags().StringVar(&clientEmail, "email", "", "service account email")
	cmd.Flags().StringVar(&projectID, "project", "storepush-local", "project id")
	cmd.Flags().StringVar(&tokenURL, "token-url", "", "token endpoint written into the key file")
	cmd.Flags().StringVarP(&out, "out", "o", "service-account.json", "key file to write")
	cmd.Flags().StringVar(&register, "register", "", "emulator base URL to register the public key with")
	cmd.MarkFlagRequired("email")

	return cmd
}

func registerKey(ctx context.Context, emulatorURL string, req *types.RegisterAccountRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	target := strings.TrimRight(emulatorURL, "/") + "/emulator/v1/serviceAccounts"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("emulator rejected key: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	log.Info().Str("client_email", req.ClientEmail).Str("emulator", emulatorURL).Msg("Registered service account")
	return nil
}
