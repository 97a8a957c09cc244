// Package config resolves the testvault configuration.
//
// Sources are layered in this order, later ones winning: Default, a YAML or
// JSON file, an optional dotenv file, TESTVAULT_* environment variables and
// finally explicitly set command line flags (applied by the CLI).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/testvault/internal/archive"
)

const (
	EnvPrefix     = "TESTVAULT_"
	DefaultDBName = "pytest.db"

	// artifactsDirLayout names the default artifacts directory. It avoids
	// characters that are invalid in Windows paths.
	artifactsDirLayout = "2006-01-02T15-04-05"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	ArtifactsPath string `json:"artifacts_path" yaml:"artifacts_path" env:"ARTIFACTS_PATH"`
	ArchiveFormat string `json:"archive_format" yaml:"archive_format" env:"ARCHIVE_FORMAT"`
	DBDir         string `json:"db_dir" yaml:"db_dir" env:"DB_DIR"`
	DBName        string `json:"db_name" yaml:"db_name" env:"DB_NAME"`
	Verbose       bool   `json:"verbose" yaml:"verbose" env:"VERBOSE"`
	JSONLogs      bool   `json:"json_logs" yaml:"json_logs" env:"JSON_LOGS"`
}

// Default returns the configuration for an invocation from cwd at now.
func Default(cwd string, now time.Time) Config {
	return Config{
		ArtifactsPath: filepath.Join(cwd, now.Format(artifactsDirLayout)),
		ArchiveFormat: string(archive.Zip),
		DBDir:         cwd,
		DBName:        DefaultDBName,
	}
}

// DBPath returns the location of the SQLite file.
func (c Config) DBPath() string {
	return filepath.Join(c.DBDir, c.DBName)
}

// Format returns the parsed archive format.
func (c Config) Format() (archive.Format, error) {
	return archive.ParseFormat(c.ArchiveFormat)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.ArtifactsPath) == "" {
		problems = append(problems, "artifacts path is required")
	}
	if strings.TrimSpace(c.DBDir) == "" {
		problems = append(problems, "db dir is required")
	}
	if strings.TrimSpace(c.DBName) == "" || strings.ContainsAny(c.DBName, `/\`) {
		problems = append(problems, fmt.Sprintf("db name %q must be a plain file name", c.DBName))
	}
	if _, err := c.Format(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// LoadFile overlays the values of a JSON or YAML file on c. Keys absent from
// the file keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}
	return nil
}

// LoadDotenv exports the variables of a dotenv file that are not already set
// in the environment.
func LoadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overlays TESTVAULT_* variables on c. Unset variables leave the
// field untouched.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// YAML renders c the way LoadFile reads it back.
func (c Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
