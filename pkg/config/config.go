// Package config loads and validates the service configuration from a TOML
// file, with defaults and explicit environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pdfqa/pdfqa/pkg/log"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Workdir    WorkdirConfig    `mapstructure:"workdir"`
	Model      ModelConfig      `mapstructure:"model"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Chunker    ChunkerConfig    `mapstructure:"chunker"`
	ToolServer ToolServerConfig `mapstructure:"toolserver"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb"`
	MaxInflight     int64         `mapstructure:"max_inflight"`
	ToolCallTimeout time.Duration `mapstructure:"tool_call_timeout"`
}

type WorkdirConfig struct {
	Root string `mapstructure:"root"`
}

type ModelConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	APIURL              string        `mapstructure:"api_url"`
	Name                string        `mapstructure:"name"`
	Temperature         float64       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	FormatAnswers       bool          `mapstructure:"format_answers"`
	FullDocTokenCeiling int           `mapstructure:"full_doc_token_ceiling"`
}

type EmbeddingConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APIURL    string        `mapstructure:"api_url"`
	Model     string        `mapstructure:"model"`
	Dim       int           `mapstructure:"dim"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ChunkerConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
	Overlap   int `mapstructure:"overlap"`
	TopK      int `mapstructure:"top_k"`
}

type ToolServerConfig struct {
	Name          string        `mapstructure:"name"`
	Bin           string        `mapstructure:"bin"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	RestartMax    int           `mapstructure:"restart_max"`
	RestartWindow time.Duration `mapstructure:"restart_window"`
}

type JanitorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	TempMaxAge     time.Duration `mapstructure:"temp_max_age"`
	CacheRetention time.Duration `mapstructure:"cache_retention"`
}

// Load reads the configuration file (explicit path, else ./config.toml, else
// ~/.pdfqa/config.toml), overlays defaults and environment variables, and
// validates the result. A missing file is fine when no explicit path was
// given; defaults plus environment carry a full configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		abs, _ := filepath.Abs(configPath)
		v.SetConfigFile(abs)
	} else if _, err := os.Stat("config.toml"); err == nil {
		abs, _ := filepath.Abs("config.toml")
		v.SetConfigFile(abs)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.SetConfigFile(filepath.Join(home, ".pdfqa", "config.toml"))
		} else {
			v.SetConfigFile("config.toml")
		}
	}
	v.SetConfigType("toml")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		// No config file found: continue with defaults and environment.
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Embedding.APIKey == "" {
		config.Embedding.APIKey = config.Model.APIKey
	}
	config.Workdir.Root = expandHomePath(config.Workdir.Root)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
	})
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.max_inflight", 32)
	v.SetDefault("server.tool_call_timeout", "120s")

	v.SetDefault("workdir.root", "./output")

	v.SetDefault("model.api_url", "https://api.perplexity.ai")
	v.SetDefault("model.name", "sonar")
	v.SetDefault("model.temperature", 0.2)
	v.SetDefault("model.max_tokens", 4000)
	v.SetDefault("model.timeout", "60s")
	v.SetDefault("model.max_retries", 3)
	v.SetDefault("model.format_answers", false)
	v.SetDefault("model.full_doc_token_ceiling", 12000)

	v.SetDefault("embedding.api_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dim", 768)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.timeout", "30s")

	v.SetDefault("chunker.chunk_size", 1000)
	v.SetDefault("chunker.overlap", 200)
	v.SetDefault("chunker.top_k", 3)

	v.SetDefault("toolserver.name", "pdf-qa-server")
	v.SetDefault("toolserver.bin", "")
	v.SetDefault("toolserver.ready_timeout", "15s")
	v.SetDefault("toolserver.shutdown_grace", "10s")
	v.SetDefault("toolserver.restart_max", 3)
	v.SetDefault("toolserver.restart_window", "10m")

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "@hourly")
	v.SetDefault("janitor.temp_max_age", "1h")
	v.SetDefault("janitor.cache_retention", "720h")
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("PDFQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The externally documented variable names.
	binds := map[string]string{
		"model.api_key":      "MODEL_API_KEY",
		"model.api_url":      "MODEL_API_URL",
		"embedding.api_key":  "EMBEDDING_API_KEY",
		"embedding.model":    "EMBEDDING_MODEL_ID",
		"chunker.chunk_size": "CHUNK_SIZE",
		"chunker.overlap":    "CHUNK_OVERLAP",
		"chunker.top_k":      "TOP_K",
		"toolserver.name":    "MCP_SERVER_NAME",
		"toolserver.bin":     "PDFQA_TOOLSERVER_BIN",
	}
	for key, env := range binds {
		if err := v.BindEnv(key, env); err != nil {
			log.Warnf("failed to bind %s env var: %v", env, err)
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}
	if c.Server.MaxInflight <= 0 {
		return fmt.Errorf("server max_inflight must be positive, got %d", c.Server.MaxInflight)
	}
	if c.Workdir.Root == "" {
		return fmt.Errorf("workdir root cannot be empty")
	}
	if c.Chunker.ChunkSize <= 0 {
		return fmt.Errorf("chunker chunk_size must be positive, got %d", c.Chunker.ChunkSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.ChunkSize {
		return fmt.Errorf("chunker overlap must be in [0, chunk_size), got %d", c.Chunker.Overlap)
	}
	if c.Chunker.TopK < 1 {
		return fmt.Errorf("chunker top_k must be at least 1, got %d", c.Chunker.TopK)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("model max_retries cannot be negative, got %d", c.Model.MaxRetries)
	}
	if c.Model.FullDocTokenCeiling <= 0 {
		return fmt.Errorf("model full_doc_token_ceiling must be positive, got %d", c.Model.FullDocTokenCeiling)
	}
	if c.ToolServer.RestartMax < 0 {
		return fmt.Errorf("toolserver restart_max cannot be negative, got %d", c.ToolServer.RestartMax)
	}
	return nil
}

// UploadsDir is where uploaded PDFs live, one file per handle.
func (c *Config) UploadsDir() string { return filepath.Join(c.Workdir.Root, "uploads") }

// CacheDir holds one persisted index directory per document fingerprint.
func (c *Config) CacheDir() string { return filepath.Join(c.Workdir.Root, "cache") }

// LogsDir holds the proxy log files.
func (c *Config) LogsDir() string { return filepath.Join(c.Workdir.Root, "logs") }

// LedgerPath is the sqlite file recording issued upload handles.
func (c *Config) LedgerPath() string { return filepath.Join(c.Workdir.Root, "uploads.db") }

// EnsureDirs creates the working directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Workdir.Root, c.UploadsDir(), c.CacheDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
