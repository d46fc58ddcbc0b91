// Package config loads hubctl settings from ~/.hubctl/config.
//
// Values in the file are merged over the built-in defaults; command line flags
// override both.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/common-fate/hubctl/internal/build"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
)

const (
	// permission for user to read/write.
	USER_READ_WRITE_PERM = 0644
)

const (
	// permission for user to read/write/execute.
	USER_READ_WRITE_EXECUTE_PERM = 0700
)

type Config struct {
	// Region is the hub region used for the inventory table and federation.
	Region string `toml:",omitempty"`
	// InventoryTable is the DynamoDB table holding one item per spoke account.
	InventoryTable string `toml:",omitempty"`
	// RoleName is assumed in each spoke account.
	RoleName string `toml:",omitempty"`
	// Partition of the spoke role ARNs, e.g. aws-us-gov.
	Partition  string `toml:",omitempty"`
	ExternalID string `toml:",omitempty"`

	SessionDuration time.Duration `toml:",omitempty"`
	// SafetyMargin is how long before expiry a cached session is refreshed.
	SafetyMargin time.Duration `toml:",omitempty"`

	Concurrency    int           `toml:",omitempty"`
	BatchSize      int           `toml:",omitempty"`
	MaxAttempts    int           `toml:",omitempty"`
	Backoff        time.Duration `toml:",omitempty"`
	AccountTimeout time.Duration `toml:",omitempty"`
	// RateLimit caps account dispatches and inventory scan pages per second. Zero is unlimited.
	RateLimit int `toml:",omitempty"`
	PageSize  int `toml:",omitempty"`

	// ReportBucket receives a JSON copy of every run when set.
	ReportBucket string `toml:",omitempty"`
	// SinkFunction is a Lambda function notified of every applied change.
	SinkFunction string `toml:",omitempty"`
}

// NewDefaultConfig returns the built-in settings.
func NewDefaultConfig() Config {
	return Config{
		Region:          "us-east-1",
		InventoryTable:  "account-inventory",
		RoleName:        "OrganizationAccountAccessRole",
		Partition:       "aws",
		SessionDuration: time.Hour,
		SafetyMargin:    5 * time.Minute,
		Concurrency:     10,
		BatchSize:       50,
		MaxAttempts:     3,
		Backoff:         time.Second,
		AccountTimeout:  5 * time.Minute,
		PageSize:        25,
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.RoleName == "":
		return apierr.Validationf("a role name to assume in spoke accounts is required")
	case c.Concurrency < 1:
		return apierr.Validationf("concurrency must be at least 1, got %d", c.Concurrency)
	case c.BatchSize < 1:
		return apierr.Validationf("batch size must be at least 1, got %d", c.BatchSize)
	case c.MaxAttempts < 1:
		return apierr.Validationf("max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.RateLimit < 0:
		return apierr.Validationf("rate limit cannot be negative, got %d", c.RateLimit)
	case c.SessionDuration < 15*time.Minute || c.SessionDuration > 12*time.Hour:
		return apierr.Validationf("session duration must be between 15m and 12h, got %s", c.SessionDuration)
	case c.SafetyMargin < 0 || c.SafetyMargin >= c.SessionDuration:
		return apierr.Validationf("safety margin %s must be shorter than the session duration %s", c.SafetyMargin, c.SessionDuration)
	case c.AccountTimeout <= 0:
		return apierr.Validationf("account timeout must be positive, got %s", c.AccountTimeout)
	}
	return nil
}

// checks and or creates the config folder on startup
func SetupConfigFolder() error {
	folder, err := ConfigFolder()
	if err != nil {
		return err
	}
	if _, err := os.Stat(folder); os.IsNotExist(err) {
		err := os.Mkdir(folder, USER_READ_WRITE_EXECUTE_PERM)
		if err != nil {
			return err
		}
	}
	return nil
}

func ConfigFolder() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(home, build.ConfigFolderName)
	if xdgConfigDir := os.Getenv("XDG_CONFIG_HOME"); !pathExists(configDir) && xdgConfigDir != "" {
		configDir = filepath.Join(xdgConfigDir, "hubctl")
	}

	return configDir, nil
}

func ConfigFilePath() (string, error) {
	folder, err := ConfigFolder()
	if err != nil {
		return "", err
	}
	return filepath.Join(folder, "config"), nil
}

// pathExists checks if a given file exists and returns true or false
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadFile reads a TOML config file and fills unset values from NewDefaultConfig.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	var c Config
	_, err := toml.DecodeFile(path, &c)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	if err := mergo.Merge(&c, NewDefaultConfig()); err != nil {
		return nil, errors.Wrap(err, "applying config defaults")
	}
	return &c, nil
}

// SaveFile writes c as TOML, creating the file if needed.
func (c *Config) SaveFile(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, USER_READ_WRITE_PERM)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(c)
}
