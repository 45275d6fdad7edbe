// Package config holds the daemon configuration file format.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	appDir       = "spycy"
	databaseFile = "usage.db"
)

// Config is the daemon configuration
type Config struct {
	Database    string `yaml:"database" validate:"required,stringnotempty"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogEncoding string `yaml:"log_encoding" validate:"omitempty,oneof=console json"`
	LogCaller   bool   `yaml:"log_caller"`
	IgnoreRules string `yaml:"ignore_rules" validate:"omitempty,dir"`
	Listen      string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// Overrides carries values from the environment or the command line. Empty
// strings and nil pointers leave the configured value alone.
type Overrides struct {
	Database    string
	LogLevel    string
	LogEncoding string
	LogCaller   *bool
	IgnoreRules string
	Listen      string
}

// Apply copies every set override onto c.
func (c *Config) Apply(o Overrides) {
	if o.Database != "" {
		c.Database = o.Database
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogEncoding != "" {
		c.LogEncoding = o.LogEncoding
	}
	if o.LogCaller != nil {
		c.LogCaller = *o.LogCaller
	}
	if o.IgnoreRules != "" {
		c.IgnoreRules = o.IgnoreRules
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
}

// SetDefaults fills in unset values. A database path that cannot be derived
// from the environment is left empty and fails validation.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database == "" {
		if path, err := DefaultDatabasePath(os.Getenv); err == nil {
			c.Database = path
		}
	}
}

// Validate checks every field. It calls SetDefaults first, so unset fields of
// c are filled in as a side effect.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("stringnotempty", validateStringNotEmpty); err != nil {
		return fmt.Errorf("failed to register stringnotempty validation: %w", err)
	}

	c.SetDefaults()

	return validate.Struct(c)
}

func validateStringNotEmpty(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) != 0
}

// DefaultDatabasePath returns $XDG_DATA_HOME/spycy/usage.db, falling back to
// $HOME/.local/share/spycy/usage.db.
func DefaultDatabasePath(getenv func(string) string) (string, error) {
	if dataHome := getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, appDir, databaseFile), nil
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".local", "share", appDir, databaseFile), nil
	}
	return "", errors.New("neither XDG_DATA_HOME nor HOME is set")
}

func UnmarshalConfig(bytes []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(bytes, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Load reads a configuration file. An empty path yields an empty config.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	conf, err := UnmarshalConfig(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return conf, nil
}
