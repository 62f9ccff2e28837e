package pdfqa

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pdfqa/pdfqa/pkg/chunker"
	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/embedder"
	"github.com/pdfqa/pdfqa/pkg/extractor"
	"github.com/pdfqa/pdfqa/pkg/llm"
	"github.com/pdfqa/pdfqa/pkg/log"
	"github.com/pdfqa/pdfqa/pkg/rag"
	"github.com/pdfqa/pdfqa/pkg/registry"
	"github.com/pdfqa/pdfqa/pkg/toolserver"
)

var toolserverCmd = &cobra.Command{
	Use:   "toolserver",
	Short: "Run the stdio JSON-RPC tool server (normally spawned by serve)",
	Long: `toolserver speaks newline-framed JSON-RPC 2.0 on stdin/stdout and logs to
stderr. It is normally spawned and supervised by the serve command, but can
be run standalone for debugging with a driver on stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToolServer()
	},
}

func runToolServer() error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ext := extractor.New()

	emb, err := embedder.New(embedder.Config{
		APIKey:    cfg.Embedding.APIKey,
		APIURL:    cfg.Embedding.APIURL,
		Model:     cfg.Embedding.Model,
		Dim:       cfg.Embedding.Dim,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		CacheRoot: cfg.CacheDir(),
		Extractor: ext,
		Chunker:   chunker.New(),
		Embedder:  emb,
		Params: domain.ChunkParams{
			ChunkSize: cfg.Chunker.ChunkSize,
			Overlap:   cfg.Chunker.Overlap,
		},
	})

	// Without a model key the extraction and search tools still work; the
	// answer tools report bad_input. The completer must stay a nil interface
	// in that case, not a typed nil client.
	var completer rag.Completer
	if cfg.Model.APIKey != "" {
		client, err := llm.NewClient(llm.Config{
			APIKey:              cfg.Model.APIKey,
			APIURL:              cfg.Model.APIURL,
			Model:               cfg.Model.Name,
			Temperature:         cfg.Model.Temperature,
			MaxTokens:           cfg.Model.MaxTokens,
			Timeout:             cfg.Model.Timeout,
			MaxRetries:          cfg.Model.MaxRetries,
			FormatAnswers:       cfg.Model.FormatAnswers,
			FullDocTokenCeiling: cfg.Model.FullDocTokenCeiling,
		})
		if err != nil {
			return err
		}
		completer = client
	} else {
		log.Warn("MODEL_API_KEY not set, question answering tools disabled")
	}

	service := rag.New(ext, emb, reg, completer, rag.Config{TopK: cfg.Chunker.TopK})
	server := toolserver.New(service, toolserver.Config{
		Name:          cfg.ToolServer.Name,
		ShutdownGrace: cfg.ToolServer.ShutdownGrace,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, os.Stdin, os.Stdout)
}
