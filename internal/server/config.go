// config.go - Environment configuration and instance settings.
package server

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds everything the server needs to run. All values come from
// the environment so the same binary works in docker and on bare metal.
type Config struct {
	Addr        string
	BaseURL     string
	DatabaseURL string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string

	// Path to the optional instance settings file.
	PublicConfigPath string

	Public PublicConfig
}

// PublicConfig is the operator-editable part of the configuration. It is
// served verbatim to clients so they can adjust their UI.
type PublicConfig struct {
	AllowRegistering   bool `toml:"allow_registering" json:"allow_registering"`
	DisableInviteCodes bool `toml:"disable_invite_codes" json:"disable_invite_codes"`
}

// LoadConfig reads configuration from the environment and, if present,
// the instance settings file.
func LoadConfig() (Config, error) {
	cfg := Config{
		Addr:             getenvDefault("BEACON_ADDR", ":8080"),
		BaseURL:          strings.TrimRight(getenvDefault("BEACON_BASE_URL", "http://localhost:8080"), "/"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		S3Endpoint:       os.Getenv("BEACON_S3_ENDPOINT"),
		S3AccessKey:      os.Getenv("BEACON_S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("BEACON_S3_SECRET_KEY"),
		S3Bucket:         getenvDefault("BEACON_BUCKET", "beacon-files"),
		PublicConfigPath: getenvDefault("BEACON_CONFIG", "beacon.toml"),
	}

	pub, err := loadPublicConfig(cfg.PublicConfigPath)
	if err != nil {
		return Config{}, err
	}
	cfg.Public = pub

	return cfg, nil
}

// loadPublicConfig parses the instance settings file. A missing file is
// not an error; registration defaults to open.
func loadPublicConfig(path string) (PublicConfig, error) {
	pub := PublicConfig{AllowRegistering: true}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pub, nil
		}
		return PublicConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &pub); err != nil {
		return PublicConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return pub, nil
}

// Validate checks that required settings are present.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.S3Endpoint == "" {
		missing = append(missing, "BEACON_S3_ENDPOINT")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "BEACON_S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "BEACON_S3_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
