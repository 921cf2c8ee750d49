package credentials

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceAccountKey is the JSON key file issued for a service account
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ReadKeyFile loads and checks a service-account key file
func ReadKeyFile(path string) (*ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	if key.Type != "" && key.Type != "service_account" {
		return nil, fmt.Errorf("unsupported credential type: %s", key.Type)
	}
	if key.ClientEmail == "" {
		return nil, fmt.Errorf("key file has no client_email")
	}
	if key.PrivateKey == "" {
		return nil, fmt.Errorf("key file has no private_key")
	}
	return &key, nil
}

// GenerateKey creates a fresh service-account key pair. The public half is
// returned PEM encoded, ready to be registered with the store emulator.
func GenerateKey(clientEmail, projectID, tokenURI string) (*ServiceAccountKey, string, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode public key: %w", err)
	}

	id := make([]byte, 20)
	if _, err := rand.Read(id); err != nil {
		return nil, "", fmt.Errorf("failed to generate key id: %w", err)
	}

	key := &ServiceAccountKey{
		Type:         "service_account",
		ProjectID:    projectID,
		PrivateKeyID: hex.EncodeToString(id),
		PrivateKey:   string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		ClientEmail:  clientEmail,
		TokenURI:     tokenURI,
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})), nil
}

// WriteFile writes the key file readable only by the owner
func (k *ServiceAccountKey) WriteFile(path string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// signer parses the PEM private key
func (k *ServiceAccountKey) signer() (*rsa.PrivateKey, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(k.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}
