package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/loqalabs/taku/internal/protocol"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TAKU_"

type TelemetryConfig struct {
	LogLevel          string `yaml:"log_level" env:"LOG_LEVEL"`
	OTLPEndpoint      string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure      bool   `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
	StdoutTraces      bool   `yaml:"stdout_traces" env:"STDOUT_TRACES"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Bind    string `yaml:"bind" env:"BIND"`
	Port    int    `yaml:"port" env:"PORT"`
	// AllowedOrigins limits WebSocket upgrades on /ipc; empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name" env:"RUNTIME_NAME"`
	Environment string          `yaml:"environment" env:"RUNTIME_ENVIRONMENT"`
	HTTP        HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Bus         BusConfig       `yaml:"bus" envPrefix:"BUS_"`
	Bark        BarkConfig      `yaml:"bark" envPrefix:"BARK_"`
	UI          UIConfig        `yaml:"ui" envPrefix:"UI_"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" env:"ENABLED"`
	Embedded       bool     `yaml:"embedded" env:"EMBEDDED"`
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	Servers        []string `yaml:"servers" env:"SERVERS"`
	Username       string   `yaml:"username" env:"USERNAME"`
	Password       string   `yaml:"password" env:"PASSWORD"`
	Token          string   `yaml:"token" env:"TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
	Subject        string   `yaml:"subject" env:"SUBJECT"`
	ResultSubject  string   `yaml:"result_subject" env:"RESULT_SUBJECT"`
}

type BarkConfig struct {
	Mode           string  `yaml:"mode" env:"MODE"` // exec, mock
	Command        string  `yaml:"command" env:"COMMAND"`
	WorkDir        string  `yaml:"work_dir" env:"WORK_DIR"`
	OutputDir      string  `yaml:"output_dir" env:"OUTPUT_DIR"`
	TimeoutMS      int     `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	MaxConcurrency int     `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	FallbackText   string  `yaml:"fallback_text" env:"FALLBACK_TEXT"`
	FallbackTemp   float64 `yaml:"fallback_temp" env:"FALLBACK_TEMP"`
	MockDelayMS    int     `yaml:"mock_delay_ms" env:"MOCK_DELAY_MS"`
}

// Timeout is the per-request limit on the external process; zero means none.
func (b BarkConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

type UIConfig struct {
	Title     string `yaml:"title" env:"TITLE"`
	Width     int    `yaml:"width" env:"WIDTH"`
	Height    int    `yaml:"height" env:"HEIGHT"`
	IndexPath string `yaml:"index_path" env:"INDEX_PATH"`
}

func Default() Config {
	return Config{
		RuntimeName: "taku",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:          "info",
			OTLPInsecure:      true,
			PrometheusEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://127.0.0.1:4222"},
			ConnectTimeout: 2000,
			Subject:        protocol.SubjectGenerateAudio,
			ResultSubject:  protocol.SubjectGenerateAudioResult,
		},
		Bark: BarkConfig{
			Mode:           "exec",
			Command:        "python -m bark.cli",
			OutputDir:      "audio_output",
			FallbackText:   "Hello world",
			FallbackTemp:   0.7,
			MockDelayMS:    200,
		},
		UI: UIConfig{
			Title:  "Taku - Text to Speech",
			Width:  1024,
			Height: 768,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
		if cfg.Bus.ResultSubject == "" {
			return errors.New("bus.result_subject must not be empty")
		}
	}
	switch cfg.Bark.Mode {
	case "exec", "mock":
	default:
		return errors.New("bark.mode must be one of exec|mock")
	}
	if cfg.Bark.Mode == "exec" && strings.TrimSpace(cfg.Bark.Command) == "" {
		return errors.New("bark.command must be set when mode=exec")
	}
	if cfg.Bark.OutputDir == "" {
		return errors.New("bark.output_dir must not be empty")
	}
	if cfg.Bark.TimeoutMS < 0 {
		return errors.New("bark.timeout_ms must be >= 0")
	}
	if cfg.Bark.MaxConcurrency < 0 {
		return errors.New("bark.max_concurrency must be >= 0")
	}
	// A bounded pool with no timeout lets hung children starve later requests.
	if cfg.Bark.MaxConcurrency > 0 && cfg.Bark.TimeoutMS == 0 {
		return errors.New("bark.max_concurrency requires bark.timeout_ms > 0")
	}
	if strings.TrimSpace(cfg.Bark.FallbackText) == "" {
		return errors.New("bark.fallback_text must not be empty")
	}
	if cfg.Bark.FallbackTemp <= 0 || cfg.Bark.FallbackTemp > 2 {
		return errors.New("bark.fallback_temp must be in (0, 2]")
	}
	return nil
}
