// Package config loads the service configuration from an optional YAML file
// and applies environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server struct {
		// Addr is the HTTP listen address.
		Addr string `yaml:"addr"`
		// Debug enables development logging and gin debug mode.
		Debug bool `yaml:"debug"`
		// MaxUploadBytes bounds the size of a /predict request body.
		MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	GRPC struct {
		// Addr enables the gRPC listener when non-empty.
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Model struct {
		Path string `yaml:"path"`
		// Runtime names the inference runtime; empty selects by file extension.
		Runtime    string `yaml:"runtime"`
		NumThreads int    `yaml:"numThreads"`
		// LibraryPath points the onnx runtime at its shared library.
		LibraryPath string   `yaml:"libraryPath"`
		Labels      []string `yaml:"labels"`
		InputSize   int      `yaml:"inputSize"`
	} `yaml:"model"`

	Uploads struct {
		Dir               string   `yaml:"dir"`
		AllowedExtensions []string `yaml:"allowedExtensions"`
		Keep              bool     `yaml:"keep"`
	} `yaml:"uploads"`

	Database struct {
		// Driver is "sqlite" or "postgres".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Auth struct {
		JWTSecret              string        `yaml:"jwtSecret"`
		TokenTTL               time.Duration `yaml:"tokenTTL"`
		CookieName             string        `yaml:"cookieName"`
		RequireLoginForPredict bool          `yaml:"requireLoginForPredict"`
		// RedisAddr enables the redis revocation store when non-empty.
		RedisAddr string `yaml:"redisAddr"`
	} `yaml:"auth"`
}

// Default returns a configuration matching the legacy deployment layout.
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":8080"
	cfg.Server.MaxUploadBytes = 512 << 20
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Model.Path = "model/brain_aneurysm_model.tflite"
	cfg.Model.Labels = []string{"No Brain Aneurysm", "Brain Aneurysm Detected!"}
	cfg.Model.InputSize = 256

	cfg.Uploads.Dir = "uploads"
	cfg.Uploads.AllowedExtensions = []string{".nii", ".nii.gz"}
	cfg.Uploads.Keep = true

	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "database.db"

	cfg.Auth.JWTSecret = "dev-secret"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.CookieName = "session"

	return cfg
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ANEURYSM_ADDR", &c.Server.Addr)
	str("ANEURYSM_GRPC_ADDR", &c.GRPC.Addr)
	str("ANEURYSM_MODEL_PATH", &c.Model.Path)
	str("ANEURYSM_MODEL_RUNTIME", &c.Model.Runtime)
	str("ONNXRUNTIME_LIB", &c.Model.LibraryPath)
	str("ANEURYSM_UPLOAD_DIR", &c.Uploads.Dir)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("REDIS_ADDR", &c.Auth.RedisAddr)

	if v, ok := lookup("ANEURYSM_DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ANEURYSM_DEBUG: %w", err)
		}
		c.Server.Debug = debug
	}
	if v, ok := lookup("ANEURYSM_LABELS"); ok && v != "" {
		labels := strings.Split(v, ",")
		for i := range labels {
			labels[i] = strings.TrimSpace(labels[i])
		}
		c.Model.Labels = labels
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("config: server.addr is required")
	case c.Model.Path == "":
		return errors.New("config: model.path is required")
	case len(c.Model.Labels) < 2:
		return fmt.Errorf("config: model.labels needs at least 2 entries, got %d", len(c.Model.Labels))
	case c.Model.InputSize <= 0:
		return fmt.Errorf("config: model.inputSize must be positive, got %d", c.Model.InputSize)
	case c.Uploads.Dir == "":
		return errors.New("config: uploads.dir is required")
	case len(c.Uploads.AllowedExtensions) == 0:
		return errors.New("config: uploads.allowedExtensions is empty")
	case c.Database.Driver != "sqlite" && c.Database.Driver != "postgres":
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	case c.Auth.JWTSecret == "":
		return errors.New("config: auth.jwtSecret is required")
	case c.Auth.TokenTTL <= 0:
		return errors.New("config: auth.tokenTTL must be positive")
	}
	for _, label := range c.Model.Labels {
		if label == "" {
			return errors.New("config: model.labels contains an empty label")
		}
	}
	return nil
}
