package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/contract-extractor/api/handlers"
	"github.com/feichai0017/contract-extractor/config"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "contract-extractor",
	Short: "Extract structured metadata from contract PDFs and DOCX files",
	Long: `contract-extractor classifies every page of a contract, runs text
extraction, OCR or page rendering as needed, and asks a language model to fill
in the metadata schema. Results are normalized against the schema and printed
as JSON or YAML.`,
	Version:       handlers.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "extraction settings file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	rootCmd.AddCommand(extractCmd, schemaCmd)
}

func newLogger() (logger.Logger, error) {
	return logger.NewLogger(
		logger.WithLevel(logLevel),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"stderr"}),
	)
}

func loadSettings() (*config.ExtractionSettings, error) {
	return config.LoadExtractionSettings(cfgFile)
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
