package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/goccy/go-yaml"
)

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	ListenAddr   string
	HTTPAddr     string
	Upstream     UpstreamConfig
	BufferChunks int
	OpenAIAPIKey string
	OpenAIModel  string
	Log          LogConfig
}

// fileConfig is the YAML shape; durations are strings ("3s") and
// converted on load.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	Upstream   struct {
		URL                string   `yaml:"url"`
		Model              string   `yaml:"model"`
		ResponseModalities []string `yaml:"response_modalities"`
		SystemInstruction  string   `yaml:"system_instruction"`
		Mode               string   `yaml:"mode"`
		ReconnectDelay     string   `yaml:"reconnect_delay"`
		MaxAttempts        uint     `yaml:"max_attempts"`
		SetupTimeout       string   `yaml:"setup_timeout"`
	} `yaml:"upstream"`
	BufferChunks int       `yaml:"buffer_chunks"`
	OpenAIAPIKey string    `yaml:"openai_api_key"`
	OpenAIModel  string    `yaml:"openai_model"`
	Log          LogConfig `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8766",
		HTTPAddr:   ":8767",
		Upstream: UpstreamConfig{
			URL:                "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model:              "models/gemini-2.0-flash-live-001",
			ResponseModalities: []string{"TEXT"},
			Mode:               ModeShared,
			ReconnectDelay:     3 * time.Second,
			SetupTimeout:       15 * time.Second,
		},
		Log: LogConfig{
			File:       "relay.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults; an empty path
// yields the defaults untouched. Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.HTTPAddr != "" {
		c.HTTPAddr = fc.HTTPAddr
	}
	if fc.Upstream.URL != "" {
		c.Upstream.URL = fc.Upstream.URL
	}
	if fc.Upstream.Model != "" {
		c.Upstream.Model = fc.Upstream.Model
	}
	if len(fc.Upstream.ResponseModalities) > 0 {
		c.Upstream.ResponseModalities = fc.Upstream.ResponseModalities
	}
	if fc.Upstream.SystemInstruction != "" {
		c.Upstream.SystemInstruction = fc.Upstream.SystemInstruction
	}
	if fc.Upstream.Mode != "" {
		if fc.Upstream.Mode != ModeShared && fc.Upstream.Mode != ModePerSession {
			return fmt.Errorf("unknown relay mode: %s", fc.Upstream.Mode)
		}
		c.Upstream.Mode = fc.Upstream.Mode
	}
	if fc.Upstream.ReconnectDelay != "" {
		delay, err := time.ParseDuration(fc.Upstream.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay: %w", err)
		}
		c.Upstream.ReconnectDelay = delay
	}
	if fc.Upstream.MaxAttempts > 0 {
		c.Upstream.MaxAttempts = fc.Upstream.MaxAttempts
	}
	if fc.Upstream.SetupTimeout != "" {
		timeout, err := time.ParseDuration(fc.Upstream.SetupTimeout)
		if err != nil {
			return fmt.Errorf("parsing setup_timeout: %w", err)
		}
		c.Upstream.SetupTimeout = timeout
	}
	if fc.BufferChunks > 0 {
		c.BufferChunks = fc.BufferChunks
	}
	if fc.OpenAIAPIKey != "" {
		c.OpenAIAPIKey = fc.OpenAIAPIKey
	}
	if fc.OpenAIModel != "" {
		c.OpenAIModel = fc.OpenAIModel
	}
	if fc.Log.File != "" {
		c.Log = fc.Log
	}
	return nil
}

// ApplyEnv layers environment variables over the loaded config. The
// Gemini API key is spliced into the upstream URL as a query parameter,
// the way the live endpoint authenticates.
func (c *Config) ApplyEnv() error {
	var err error
	if c.ListenAddr, err = shared.Getenv(shared.GetenvString, "RELAY_LISTEN_ADDR", false, c.ListenAddr); err != nil {
		return err
	}
	if c.HTTPAddr, err = shared.Getenv(shared.GetenvString, "RELAY_HTTP_ADDR", false, c.HTTPAddr); err != nil {
		return err
	}
	if c.Upstream.URL, err = shared.Getenv(shared.GetenvString, "RELAY_UPSTREAM_URL", false, c.Upstream.URL); err != nil {
		return err
	}
	if c.Upstream.ReconnectDelay, err = shared.Getenv(shared.GetenvDuration, "RELAY_RECONNECT_DELAY", false, c.Upstream.ReconnectDelay); err != nil {
		return err
	}
	if c.OpenAIAPIKey, err = shared.Getenv(shared.GetenvString, "OPENAI_API_KEY", false, c.OpenAIAPIKey); err != nil {
		return err
	}
	apiKey, err := shared.Getenv(shared.GetenvString, "GEMINI_API_KEY", false, "")
	if err != nil {
		return err
	}
	if apiKey != "" {
		sep := "?"
		for _, r := range c.Upstream.URL {
			if r == '?' {
				sep = "&"
				break
			}
		}
		c.Upstream.URL += sep + "key=" + apiKey
	}
	return nil
}
