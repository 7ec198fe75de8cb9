package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// ServerEnv configures the origin server.
type ServerEnv struct {
	Addr          string `env:"CITYPACK_SERVER_ADDR" envDefault:":8080"`
	Origin        string `env:"CITYPACK_SERVER_ORIGIN"`
	LogLevel      string `env:"CITYPACK_SERVER_LOG_LEVEL" envDefault:"INFO"`
	SchemaVersion int    `env:"CITYPACK_SERVER_SCHEMA_VERSION" envDefault:"1"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
