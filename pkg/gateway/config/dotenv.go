package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// ProductionEnvVar disables .env loading when set.
const ProductionEnvVar = "RUNNING_IN_PRODUCTION"

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// unless running in production. Variables already set are preserved and a
// missing file is not an error. It reports whether a file was loaded.
func LoadDotEnv(path string) (bool, error) {
	if os.Getenv(ProductionEnvVar) != "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load env file %q: %w", path, err)
	}
	return true, nil
}
