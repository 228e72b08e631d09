package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile reads path as a .env file and sets environment variables for any key
// not already present in the environment. A missing file is not an error — .env is
// an optional local-dev convenience, never required in production (§10.2).
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
