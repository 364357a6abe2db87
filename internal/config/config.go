package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Remote    RemoteConfig
	Reconcile ReconcileConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins string
}

type StorageConfig struct {
	Driver      string // "sqlite" or "postgres"
	DataDir     string
	DatabaseURL string
}

type RemoteConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	BetaHeader  string
	CallTimeout time.Duration
	MaxAttempts int
}

type ReconcileConfig struct {
	Interval    time.Duration
	Concurrency int
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			CORSOrigins: "*",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Remote: RemoteConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "sora-2",
			BetaHeader:  "video-generation=2",
			CallTimeout: 30 * time.Second,
			MaxAttempts: 3,
		},
		Reconcile: ReconcileConfig{
			Interval:    10 * time.Second,
			Concurrency: 8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from the JSON config file, a .env file in the
// working directory, environment variables and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/reel/config.json and secrets at
// $XDG_DATA_HOME/reel/secrets.json. Environment variables (REEL_*) override
// file values. The remote API key also honours OPENAI_API_KEY.
//
// Load does not validate; call Validate before starting the server.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get("reel", s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if cfg.Remote.APIKey == "" {
		cfg.Remote.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, nil
}

// Validate reports every setting that would prevent the server from running.
func (c Config) Validate() error {
	var errs []error
	if c.Remote.APIKey == "" {
		errs = append(errs, errors.New("missing required config: remote API key. "+
			"Set it via environment variable REEL_REMOTE_API_KEY or OPENAI_API_KEY"))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir must be set for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("missing required config: database URL. "+
				"Set it via environment variable REEL_DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Remote.CallTimeout <= 0 {
		errs = append(errs, errors.New("remote.call_timeout must be positive"))
	}
	if c.Remote.MaxAttempts < 1 {
		errs = append(errs, errors.New("remote.max_attempts must be at least 1"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if c.Reconcile.Concurrency < 1 {
		errs = append(errs, errors.New("reconcile.concurrency must be at least 1"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP API.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
