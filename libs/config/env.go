package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads a struct configuration from environment variables using
// `env` and `envDefault` tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
