package pdfqa

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	forceInit  bool
	outputPath string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := outputPath
		if configPath == "" {
			configPath = "config.toml"
		}

		if !forceInit {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		if dir := filepath.Dir(configPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		content, err := defaultConfigTOML()
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, content, 0o644); err != nil {
			return fmt.Errorf("failed to write configuration file: %w", err)
		}

		fmt.Printf("Configuration file created at %s\n", configPath)
		fmt.Println("Set MODEL_API_KEY (or model.api_key) before using the question answering endpoints.")
		return nil
	},
}

// defaultConfigTOML renders the default configuration. Durations are strings
// so the file round-trips through the loader unchanged.
func defaultConfigTOML() ([]byte, error) {
	type defaults struct {
		Server struct {
			Host            string   `toml:"host"`
			Port            int      `toml:"port"`
			CORSOrigins     []string `toml:"cors_origins"`
			MaxUploadMB     int64    `toml:"max_upload_mb"`
			MaxInflight     int64    `toml:"max_inflight"`
			ToolCallTimeout string   `toml:"tool_call_timeout"`
		} `toml:"server"`
		Workdir struct {
			Root string `toml:"root"`
		} `toml:"workdir"`
		Model struct {
			APIKey              string  `toml:"api_key"`
			APIURL              string  `toml:"api_url"`
			Name                string  `toml:"name"`
			Temperature         float64 `toml:"temperature"`
			MaxTokens           int     `toml:"max_tokens"`
			Timeout             string  `toml:"timeout"`
			MaxRetries          int     `toml:"max_retries"`
			FormatAnswers       bool    `toml:"format_answers"`
			FullDocTokenCeiling int     `toml:"full_doc_token_ceiling"`
		} `toml:"model"`
		Embedding struct {
			APIURL    string `toml:"api_url"`
			Model     string `toml:"model"`
			Dim       int    `toml:"dim"`
			BatchSize int    `toml:"batch_size"`
			Timeout   string `toml:"timeout"`
		} `toml:"embedding"`
		Chunker struct {
			ChunkSize int `toml:"chunk_size"`
			Overlap   int `toml:"overlap"`
			TopK      int `toml:"top_k"`
		} `toml:"chunker"`
		ToolServer struct {
			Name          string `toml:"name"`
			Bin           string `toml:"bin"`
			ReadyTimeout  string `toml:"ready_timeout"`
			ShutdownGrace string `toml:"shutdown_grace"`
			RestartMax    int    `toml:"restart_max"`
			RestartWindow string `toml:"restart_window"`
		} `toml:"toolserver"`
		Janitor struct {
			Enabled        bool   `toml:"enabled"`
			Schedule       string `toml:"schedule"`
			TempMaxAge     string `toml:"temp_max_age"`
			CacheRetention string `toml:"cache_retention"`
		} `toml:"janitor"`
	}

	var d defaults
	d.Server.Host = "0.0.0.0"
	d.Server.Port = 8000
	d.Server.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	d.Server.MaxUploadMB = 50
	d.Server.MaxInflight = 32
	d.Server.ToolCallTimeout = "120s"
	d.Workdir.Root = "./output"
	d.Model.APIURL = "https://api.perplexity.ai"
	d.Model.Name = "sonar"
	d.Model.Temperature = 0.2
	d.Model.MaxTokens = 4000
	d.Model.Timeout = "60s"
	d.Model.MaxRetries = 3
	d.Model.FullDocTokenCeiling = 12000
	d.Embedding.APIURL = "https://api.openai.com/v1"
	d.Embedding.Model = "text-embedding-3-small"
	d.Embedding.Dim = 768
	d.Embedding.BatchSize = 64
	d.Embedding.Timeout = "30s"
	d.Chunker.ChunkSize = 1000
	d.Chunker.Overlap = 200
	d.Chunker.TopK = 3
	d.ToolServer.Name = "pdf-qa-server"
	d.ToolServer.ReadyTimeout = "15s"
	d.ToolServer.ShutdownGrace = "10s"
	d.ToolServer.RestartMax = 3
	d.ToolServer.RestartWindow = "10m"
	d.Janitor.Enabled = true
	d.Janitor.Schedule = "@hourly"
	d.Janitor.TempMaxAge = "1h"
	d.Janitor.CacheRetention = "720h"

	body, err := toml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("render default config: %w", err)
	}
	header := "# pdfqa configuration\n# API keys are best supplied via environment: MODEL_API_KEY, EMBEDDING_API_KEY.\n\n"
	return append([]byte(header), body...), nil
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing configuration file")
	initCmd.Flags().StringVarP(&outputPath, "output", "o", "", "path of the configuration file to write")
}
