package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arko-chat/arko-backup/internal/credentials"
)

const (
	appName    = "arko-backup"
	configFile = "config.json"

	DefaultListenAddr    = "127.0.0.1:0"
	DefaultSecretBackend = "keyring"
	DefaultPollInterval  = 5 * time.Minute
)

// Duration is a time.Duration that reads and writes as "5m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Homeserver    string   `json:"homeserver"`
	UserID        string   `json:"user_id"`
	DeviceID      string   `json:"device_id"`
	ListenAddr    string   `json:"listen_addr"`
	SecretBackend string   `json:"secret_backend"`
	DataDir       string   `json:"data_dir"`
	PollInterval  Duration `json:"poll_interval"`
	SessionSecret string   `json:"-"`
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(configDir, appName))
}

// LoadFrom reads config.json in appDir, writing one with defaults if it
// does not exist yet.
func LoadFrom(appDir string) (*Config, error) {
	path := filepath.Join(appDir, configFile)
	cfg := defaults(appDir)

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, err
		}
		slog.Info("generated new config", "path", path)
	}

	cfg.SessionSecret, err = credentials.AppSecret("session_secret", newSessionSecret)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults(appDir string) Config {
	return Config{
		ListenAddr:    DefaultListenAddr,
		SecretBackend: DefaultSecretBackend,
		DataDir:       filepath.Join(appDir, "data"),
		PollInterval:  Duration(DefaultPollInterval),
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ARKO_HOMESERVER"); v != "" {
		cfg.Homeserver = v
	}
	if v := os.Getenv("ARKO_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("ARKO_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("ARKO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ARKO_SECRET_BACKEND"); v != "" {
		cfg.SecretBackend = v
	}
	if v := os.Getenv("ARKO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ARKO_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ARKO_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = Duration(d)
	}
	if v := os.Getenv("ARKO_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	return nil
}

func newSessionSecret() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(secret), nil
}
