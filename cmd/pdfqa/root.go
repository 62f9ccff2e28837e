// Package pdfqa holds the CLI commands: the HTTP proxy, the stdio tool
// server, and the supporting init/tools/version commands.
package pdfqa

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pdfqa/pdfqa/pkg/config"
	"github.com/pdfqa/pdfqa/pkg/log"
)

var (
	cfgFile string
	debug   bool
	cfg     *config.Config
	version = "dev"
)

var RootCmd = &cobra.Command{
	Use:   "pdfqa",
	Short: "PDF question answering over a supervised JSON-RPC tool server",
	Long: `pdfqa answers natural-language questions about PDF documents.

The serve command runs the HTTP proxy, which spawns and supervises the stdio
JSON-RPC tool server (the toolserver command) as a child process. Documents
are chunked, embedded and indexed once per content fingerprint; questions are
answered with retrieval-augmented completion.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init and version must work without an existing configuration.
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		// Optional .env for MODEL_API_KEY and friends.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log.SetDebug(debug)
		return nil
	},
}

func Execute() error {
	return RootCmd.Execute()
}

// GetRootCmd returns the root cobra command for testing purposes.
func GetRootCmd() *cobra.Command {
	return RootCmd
}

// SetVersion sets the version for the CLI.
func SetVersion(v string) {
	version = v
	RootCmd.Version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pdfqa version %s\n", version)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: ./config.toml or ~/.pdfqa/config.toml)")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging output")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(initCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(toolserverCmd)
	RootCmd.AddCommand(toolsCmd)
}
