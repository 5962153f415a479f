// Package dotenv loads local .env files for the command-line tools.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile loads KEY=VALUE pairs from a dotenv-style file into the process
// environment. Existing environment variables are preserved and a missing
// file is not an error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadFiles applies LoadFile to each path in order. Earlier files win.
func LoadFiles(paths ...string) error {
	for _, p := range paths {
		if err := LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}
