package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads a .env file into the environment.
// Existing env vars take precedence; a missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
