package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "localhost",
			Port:        8000,
			MaxUploadMB: 50,
			MaxInflight: 32,
		},
		Workdir: WorkdirConfig{Root: "./output"},
		Model: ModelConfig{
			APIURL:              "https://api.perplexity.ai",
			Name:                "sonar",
			MaxTokens:           4000,
			MaxRetries:          3,
			FullDocTokenCeiling: 12000,
		},
		Embedding: EmbeddingConfig{
			APIURL:    "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dim:       768,
			BatchSize: 64,
		},
		Chunker: ChunkerConfig{
			ChunkSize: 1000,
			Overlap:   200,
			TopK:      3,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "port too low",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "port too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.Chunker.ChunkSize = 0 },
			wantErr: true,
		},
		{
			name:    "overlap equals chunk size",
			mutate:  func(c *Config) { c.Chunker.Overlap = c.Chunker.ChunkSize },
			wantErr: true,
		},
		{
			name:    "negative overlap",
			mutate:  func(c *Config) { c.Chunker.Overlap = -1 },
			wantErr: true,
		},
		{
			name:    "zero top_k",
			mutate:  func(c *Config) { c.Chunker.TopK = 0 },
			wantErr: true,
		},
		{
			name:    "empty workdir root",
			mutate:  func(c *Config) { c.Workdir.Root = "" },
			wantErr: true,
		},
		{
			name:    "zero embedding dim",
			mutate:  func(c *Config) { c.Embedding.Dim = 0 },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			mutate:  func(c *Config) { c.Model.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero token ceiling",
			mutate:  func(c *Config) { c.Model.FullDocTokenCeiling = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Chunker.ChunkSize != 1000 {
		t.Errorf("default chunk_size = %d, want 1000", cfg.Chunker.ChunkSize)
	}
	if cfg.Chunker.Overlap != 200 {
		t.Errorf("default overlap = %d, want 200", cfg.Chunker.Overlap)
	}
	if cfg.Chunker.TopK != 3 {
		t.Errorf("default top_k = %d, want 3", cfg.Chunker.TopK)
	}
	if cfg.Model.Name != "sonar" {
		t.Errorf("default model = %q, want sonar", cfg.Model.Name)
	}
	if cfg.ToolServer.Name != "pdf-qa-server" {
		t.Errorf("default toolserver name = %q, want pdf-qa-server", cfg.ToolServer.Name)
	}
	if cfg.Server.ToolCallTimeout != 120*time.Second {
		t.Errorf("default tool_call_timeout = %v, want 120s", cfg.Server.ToolCallTimeout)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("default cors_origins = %v, want two localhost origins", cfg.Server.CORSOrigins)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
port = 9001

[chunker]
chunk_size = 800
overlap = 100
top_k = 5

[workdir]
root = "` + filepath.ToSlash(dir) + `"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Chunker.ChunkSize != 800 {
		t.Errorf("chunk_size = %d, want 800", cfg.Chunker.ChunkSize)
	}
	if cfg.Chunker.TopK != 5 {
		t.Errorf("top_k = %d, want 5", cfg.Chunker.TopK)
	}
	// Unset keys keep their defaults.
	if cfg.Model.APIURL != "https://api.perplexity.ai" {
		t.Errorf("model api_url = %q, want default", cfg.Model.APIURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "1200")
	t.Setenv("TOP_K", "7")
	t.Setenv("MODEL_API_KEY", "pplx-test")
	t.Setenv("MCP_SERVER_NAME", "custom-server")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chunker.ChunkSize != 1200 {
		t.Errorf("chunk_size = %d, want 1200 from CHUNK_SIZE", cfg.Chunker.ChunkSize)
	}
	if cfg.Chunker.TopK != 7 {
		t.Errorf("top_k = %d, want 7 from TOP_K", cfg.Chunker.TopK)
	}
	if cfg.Model.APIKey != "pplx-test" {
		t.Errorf("api_key not bound from MODEL_API_KEY")
	}
	if cfg.ToolServer.Name != "custom-server" {
		t.Errorf("toolserver name = %q, want custom-server", cfg.ToolServer.Name)
	}
	// Embedding key falls back to the model key when unset.
	if cfg.Embedding.APIKey != "pplx-test" {
		t.Errorf("embedding api_key fallback = %q, want pplx-test", cfg.Embedding.APIKey)
	}
}

func TestEnsureDirs(t *testing.T) {
	cfg := validConfig()
	cfg.Workdir.Root = filepath.Join(t.TempDir(), "work")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error = %v", err)
	}
	for _, dir := range []string{cfg.UploadsDir(), cfg.CacheDir(), cfg.LogsDir()} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}
