package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lgulliver/storepush/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadSettings reads distribution settings from a YAML file.
// Relative artifact and credential paths are resolved against the file's directory.
func LoadSettings(path string) (types.DistributionSettings, error) {
	var settings types.DistributionSettings

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("failed to read settings file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
		return settings, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	settings.ArtifactPath = resolvePath(dir, settings.ArtifactPath)
	settings.CredentialPath = resolvePath(dir, settings.CredentialPath)

	return settings, nil
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
