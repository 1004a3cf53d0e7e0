package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Diffusion backends.
const (
	BackendRunner     = "runner"
	BackendOpenAI     = "openai"
	BackendProcedural = "procedural"
	BackendNative     = "native"
)

// Safety classifiers.
const (
	SafetyRunner = "runner"
	SafetyNone   = "none"
)

// Transfer tools.
const (
	TransferAuto = "auto"
	TransferPget = "pget"
	TransferHTTP = "http"
)

// Config holds every setting of the service, read from the environment.
type Config struct {
	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	DevMode  bool   `envconfig:"DEV_MODE" default:"false"`
	LogFile  string `envconfig:"LOG_FILE" default:"fluxpredict.log"`

	// Weights
	ModelCache       string `envconfig:"MODEL_CACHE" default:"checkpoints"`
	ModelURL         string `envconfig:"MODEL_URL" default:"https://weights.replicate.delivery/default/black-forest-labs/FLUX.1-dev/model-cache.tar"`
	ModelSHA256      string `envconfig:"MODEL_SHA256"`
	ModelID          string `envconfig:"MODEL_ID" default:"black-forest-labs/FLUX.1-dev"`
	SafetyCache      string `envconfig:"SAFETY_CACHE" default:"safety-cache"`
	SafetyURL        string `envconfig:"SAFETY_URL" default:"https://weights.replicate.delivery/default/sdxl/safety-1.0.tar"`
	SafetySHA256     string `envconfig:"SAFETY_SHA256"`
	FeatureExtractor string `envconfig:"FEATURE_EXTRACTOR" default:"feature-extractor"`
	WeightsManifest  string `envconfig:"WEIGHTS_MANIFEST"`
	TransferTool     string `envconfig:"TRANSFER_TOOL" default:"auto"`

	// Inference
	DiffusionBackend string `envconfig:"DIFFUSION_BACKEND" default:"runner"`
	Device           string `envconfig:"DEVICE" default:"cuda"`
	RunnerURL        string `envconfig:"RUNNER_URL" default:"http://127.0.0.1:5000"`
	SafetyClassifier string `envconfig:"SAFETY_CLASSIFIER" default:"runner"`
	SafetyRunnerURL  string `envconfig:"SAFETY_RUNNER_URL"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIImageModel string `envconfig:"OPENAI_IMAGE_MODEL" default:"dall-e-3"`

	// Outputs
	OutputDir         string `envconfig:"OUTPUT_DIR" default:"outputs"`
	AdapterScratchDir string `envconfig:"ADAPTER_SCRATCH_DIR"`

	// Serving
	Port             int           `envconfig:"PORT" default:"8080"`
	APITokenHash     string        `envconfig:"API_TOKEN_HASH"`
	AuthMaxAttempts  int           `envconfig:"AUTH_MAX_ATTEMPTS" default:"5"`
	AuthBlock        time.Duration `envconfig:"AUTH_BLOCK" default:"30m"`
	GPUInterval      time.Duration `envconfig:"GPU_METRICS_INTERVAL" default:"15s"`
	NvidiaSMIPath    string        `envconfig:"NVIDIA_SMI_PATH" default:"nvidia-smi"`
	HistoryDB        string        `envconfig:"HISTORY_DB" default:"predictions.db"`
	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	PruneInterval    time.Duration `envconfig:"PRUNE_INTERVAL" default:"1h"`
	RedisAddr        string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD"`
	QueueName        string        `envconfig:"QUEUE_NAME" default:"predictions"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoadConfig reads envFile (if present) into the process environment and
// decodes the environment into a Config. Variables already set in the
// environment win over the file. The result is validated.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{
				Code:    ErrCodeEnvLoad,
				Message: fmt.Sprintf("Failed to parse %s: %v", envFile, err),
				Action:  "Fix the syntax of the .env file or remove it",
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Code:    ErrCodeInvalidValue,
			Message: err.Error(),
			Action:  "Check the types of the variables in your environment",
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	c.DiffusionBackend = strings.ToLower(strings.TrimSpace(c.DiffusionBackend))
	switch c.DiffusionBackend {
	case BackendRunner:
		if err := validateHTTPURL("RUNNER_URL", c.RunnerURL); err != nil {
			return err
		}
	case BackendNative:
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return ErrMissingAuth(BackendOpenAI, "OPENAI_API_KEY")
		}
		if c.OpenAIBaseURL != "" {
			if err := validateHTTPURL("OPENAI_BASE_URL", c.OpenAIBaseURL); err != nil {
				return err
			}
		}
	case BackendProcedural:
	default:
		return ErrInvalidValue("DIFFUSION_BACKEND", c.DiffusionBackend,
			BackendRunner, BackendOpenAI, BackendProcedural, BackendNative)
	}

	c.SafetyClassifier = strings.ToLower(strings.TrimSpace(c.SafetyClassifier))
	switch c.SafetyClassifier {
	case SafetyRunner:
		if c.SafetyRunnerURL == "" {
			c.SafetyRunnerURL = c.RunnerURL
		}
		if err := validateHTTPURL("SAFETY_RUNNER_URL", c.SafetyRunnerURL); err != nil {
			return err
		}
	case SafetyNone:
	default:
		return ErrInvalidValue("SAFETY_CLASSIFIER", c.SafetyClassifier, SafetyRunner, SafetyNone)
	}

	c.TransferTool = strings.ToLower(strings.TrimSpace(c.TransferTool))
	switch c.TransferTool {
	case TransferAuto, TransferPget, TransferHTTP:
	default:
		return ErrInvalidValue("TRANSFER_TOOL", c.TransferTool, TransferAuto, TransferPget, TransferHTTP)
	}

	for name, v := range map[string]string{
		"MODEL_CACHE":       c.ModelCache,
		"SAFETY_CACHE":      c.SafetyCache,
		"FEATURE_EXTRACTOR": c.FeatureExtractor,
		"OUTPUT_DIR":        c.OutputDir,
	} {
		if strings.TrimSpace(v) == "" {
			return ErrMissingConfig(name)
		}
	}
	for name, v := range map[string]string{"MODEL_SHA256": c.ModelSHA256, "SAFETY_SHA256": c.SafetySHA256} {
		if b, err := hex.DecodeString(v); v != "" && (err != nil || len(b) != sha256.Size) {
			return ErrInvalidValue(name, v)
		}
	}
	if c.ModelCache == c.SafetyCache {
		return ErrInvalidValue("SAFETY_CACHE", c.SafetyCache)
	}

	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidValue("PORT", fmt.Sprint(c.Port))
	}
	if c.AuthMaxAttempts < 0 {
		return ErrInvalidValue("AUTH_MAX_ATTEMPTS", fmt.Sprint(c.AuthMaxAttempts))
	}
	if c.AuthMaxAttempts > 0 && c.AuthBlock <= 0 {
		return ErrInvalidValue("AUTH_BLOCK", c.AuthBlock.String())
	}
	if c.GPUInterval < 0 {
		return ErrInvalidValue("GPU_METRICS_INTERVAL", c.GPUInterval.String())
	}
	if c.HistoryRetention < 0 {
		return ErrInvalidValue("HISTORY_RETENTION", c.HistoryRetention.String())
	}
	if c.HistoryRetention > 0 && c.PruneInterval <= 0 {
		return ErrInvalidValue("PRUNE_INTERVAL", c.PruneInterval.String())
	}
	if c.AdapterScratchDir == "" {
		c.AdapterScratchDir = filepath.Join(os.TempDir(), "fluxpredict")
	}
	return nil
}

// ListenAddr is the HTTP listen address for the serve command.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SafetyEnabled reports whether generated images are screened. It is
// independent of the diffusion backend.
func (c *Config) SafetyEnabled() bool {
	return c.SafetyClassifier != SafetyNone
}

func validateHTTPURL(name, raw string) error {
	if raw == "" {
		return ErrMissingConfig(name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL(name, raw, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL(name, raw, "scheme must be http or https")
	}
	if u.Host == "" {
		return ErrInvalidURL(name, raw, "missing host")
	}
	return nil
}
