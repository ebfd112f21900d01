package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config carries every runtime knob of the demo service. Values come from the
// environment; a .env file is honored in dev mode.
type Config struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	Development     bool          `envconfig:"DEVELOPMENT" default:"false"`

	ModelURL       string `envconfig:"MODEL_URL" default:"https://huggingface.co/nicolastibata/my_cat_dog_model/resolve/main/my_cat_dog_model.onnx"`
	ModelPath      string `envconfig:"MODEL_PATH" default:"my_cat_dog_model.onnx"`
	ModelSHA256    string `envconfig:"MODEL_SHA256"`
	MetadataPath   string `envconfig:"METADATA_PATH"`
	OrtLibraryPath string `envconfig:"ORT_LIBRARY_PATH"`

	Labels    []string `envconfig:"LABELS" default:"cat,dog"`
	ImageSize int      `envconfig:"IMAGE_SIZE" default:"128"`

	SamplesDir    string `envconfig:"SAMPLES_DIR" default:"./samples"`
	MaxUploadSize int64  `envconfig:"MAX_UPLOAD_SIZE" default:"10485760"`

	RedisAddr  string        `envconfig:"REDIS_ADDR"`
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"30m"`
}

// Load reads configuration from the environment. When RUN_TIME_ENV is dev (or
// unset) a local .env file is loaded first, matching how the rest of the stack
// is run on workstations.
func Load() (Config, error) {
	env := os.Getenv("RUN_TIME_ENV")
	if env == "dev" || env == "" {
		// Missing .env is fine; explicit env vars still apply.
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process("catdog", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("IMAGE_SIZE must be positive, got %d", c.ImageSize)
	}
	if len(c.Labels) < 2 {
		return fmt.Errorf("LABELS must name at least two classes, got %q", strings.Join(c.Labels, ","))
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize)
	}
	if c.ModelURL == "" && c.ModelPath == "" {
		return fmt.Errorf("either MODEL_URL or MODEL_PATH must be set")
	}
	return nil
}
