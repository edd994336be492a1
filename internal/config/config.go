// Package config loads the peerchat configuration: a YAML file with
// PEERCHAT_ environment overrides layered on top, so a container
// deployment can override single fields without rewriting the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Username      string `yaml:"username"`
	AuthToken     string `yaml:"auth_token"`
	DirectoryURL  string `yaml:"directory_url"`
	ListenAddr    string `yaml:"listen_addr"`
	DataDir       string `yaml:"data_dir"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`

	// Name of the environment variable holding the backup passphrase.
	// The passphrase itself never lives in the config file.
	BackupPassEnv string `yaml:"backup_pass_env"`
}

func Default() Config {
	return Config{
		DirectoryURL:  "http://127.0.0.1:8000",
		ListenAddr:    "127.0.0.1:0",
		DataDir:       defaultDataDir(),
		DialTimeoutMS: 8000,
		BackupPassEnv: "PEERCHAT_BACKUP_PASS",
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".peerchat")
	}
	return ".peerchat"
}

// Load reads path if it exists, layering the file over the defaults and
// the environment over the file. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if cfg.Username == "" {
		return Config{}, fmt.Errorf("username not set (config file or PEERCHAT_USERNAME)")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PEERCHAT_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("PEERCHAT_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("PEERCHAT_DIRECTORY_URL"); v != "" {
		c.DirectoryURL = v
	}
	if v := os.Getenv("PEERCHAT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PEERCHAT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v, ok := envInt("PEERCHAT_DIAL_TIMEOUT_MS"); ok && v > 0 {
		c.DialTimeoutMS = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

// StorePath is where the sqlite database lives inside the data dir.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "peerchat.db")
}

// BackupPassphrase reads the passphrase from the configured env var.
// Empty means backups are written unsealed.
func (c Config) BackupPassphrase() string {
	if c.BackupPassEnv == "" {
		return ""
	}
	return os.Getenv(c.BackupPassEnv)
}
