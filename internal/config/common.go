package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// createConfigDirectory ensures the directory for a config file exists
func createConfigDirectory(fs afero.Fs, path string) error {
	dir := filepath.Dir(path)
	if _, err := fs.Stat(dir); os.IsNotExist(err) {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	return nil
}

// writeConfigFile writes content to a config file
func writeConfigFile(fs afero.Fs, path, content string) error {
	if err := createConfigDirectory(fs, path); err != nil {
		return err
	}

	if err := afero.WriteFile(fs, path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
