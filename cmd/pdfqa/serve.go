package pdfqa

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pdfqa/pdfqa/api"
	"github.com/pdfqa/pdfqa/pkg/filestore"
	"github.com/pdfqa/pdfqa/pkg/log"
	"github.com/pdfqa/pdfqa/pkg/mcp"
	"github.com/pdfqa/pdfqa/pkg/toolserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP proxy and supervise the tool server child",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	if err := log.TeeToFile(filepath.Join(cfg.LogsDir(), "proxy.log")); err != nil {
		return err
	}
	defer log.Close()

	ledger, err := filestore.OpenLedger(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()
	store := filestore.NewStore(cfg.UploadsDir(), ledger)

	if cfg.Janitor.Enabled {
		janitor := filestore.NewJanitor(filestore.JanitorConfig{
			Schedule:       cfg.Janitor.Schedule,
			TempMaxAge:     cfg.Janitor.TempMaxAge,
			CacheRetention: cfg.Janitor.CacheRetention,
		}, cfg.UploadsDir(), cfg.CacheDir(), ledger)
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
		defer janitor.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var command []string
	if cfg.ToolServer.Bin != "" {
		command = []string{cfg.ToolServer.Bin, "toolserver"}
	}
	client := mcp.NewClient(mcp.Config{
		Command:       command,
		ReadyMarker:   toolserver.ReadyMarker,
		ReadyTimeout:  cfg.ToolServer.ReadyTimeout,
		ShutdownGrace: cfg.ToolServer.ShutdownGrace,
		CallTimeout:   cfg.Server.ToolCallTimeout,
		RestartMax:    cfg.ToolServer.RestartMax,
		RestartWindow: cfg.ToolServer.RestartWindow,
	})
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MaxUploadMB:     cfg.Server.MaxUploadMB,
		MaxInflight:     cfg.Server.MaxInflight,
		ToolCallTimeout: cfg.Server.ToolCallTimeout,
		TopK:            cfg.Chunker.TopK,
		Version:         version,
	}, client, store)

	serveErr := server.Run(ctx)

	// A dead child with an exhausted restart budget is a failure even when
	// the HTTP side shut down cleanly.
	backendFailed := !client.Healthy()
	if err := client.Close(); err != nil {
		log.Warnf("tool server close: %v", err)
	}
	if serveErr != nil {
		return serveErr
	}
	if backendFailed {
		return fmt.Errorf("tool server failed permanently")
	}
	return nil
}
