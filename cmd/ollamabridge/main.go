package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ollamabridge",
	Short: "HTTP and WebSocket bridge in front of a local Ollama server",
	Long: `ollamabridge exposes a small, stable REST and WebSocket API over a
local Ollama server: chat completions (buffered or streamed), notebook
cell analysis, embeddings and model listings.

Servers that only speak the legacy generate API are detected at runtime
and driven through a prompt formatter instead of the chat endpoint.

Run without arguments to start the server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	RunE:  runServe,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the upstream server offers",
	RunE:  runModels,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ollamabridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ollamabridge " + version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (or set OLLAMABRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
