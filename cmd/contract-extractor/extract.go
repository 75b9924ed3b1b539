package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/contract-extractor/internal/bootstrap"
	"github.com/feichai0017/contract-extractor/internal/service/extraction"
	"github.com/feichai0017/contract-extractor/internal/agent/strategy"
	"github.com/feichai0017/contract-extractor/internal/utils/validator"
	"github.com/feichai0017/contract-extractor/pkg/converters"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

var extractOpts struct {
	method    string
	mode      string
	ocrEngine string
	schema    string
	format    string
	output    string
	timeout   time.Duration
}

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract contract metadata from a PDF or DOCX file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func init() {
	f := extractCmd.Flags()
	f.StringVar(&extractOpts.method, "method", "", "extraction method: text_direct, ocr_all, ocr_images_only, vision_all or hybrid")
	f.StringVar(&extractOpts.mode, "mode", "", "LLM processing mode: text_llm, vision_llm, multimodal or dual_llm")
	f.StringVar(&extractOpts.ocrEngine, "ocr-engine", "", "OCR engine: tesseract, textract or llm_vision")
	f.StringVar(&extractOpts.schema, "schema", "", "metadata schema file (YAML), overrides the configured one")
	f.StringVarP(&extractOpts.format, "format", "f", "json", "output format: json or yaml")
	f.StringVarP(&extractOpts.output, "output", "o", "", "write the result to this file instead of stdout")
	f.DurationVar(&extractOpts.timeout, "timeout", 30*time.Minute, "give up after this long")
}

func runExtract(cmd *cobra.Command, args []string) error {
	path := args[0]

	format, err := converters.ParseFormat(extractOpts.format)
	if err != nil {
		return err
	}
	conv, err := converters.NewConverter(format)
	if err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if extractOpts.schema != "" {
		settings.SchemaPath = extractOpts.schema
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := filepath.Base(path)
	if err := validator.NewDocumentValidator(log, nil).Validate(name, data).Err(); err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmd, extractOpts.timeout)
	defer cancel()

	engine, err := bootstrap.NewEngine(ctx, settings, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	cfg, err := engine.Defaults.WithOverrides(extractOpts.method, extractOpts.mode, extractOpts.ocrEngine)
	if err != nil {
		return err
	}
	if err := strategy.ValidateConfig(cfg); err != nil {
		return err
	}

	start := time.Now()
	result, err := engine.Coordinator.Extract(ctx, extraction.Input{FileName: name, Data: data}, cfg)
	if err != nil {
		return err
	}
	log.Info("extraction finished",
		logger.String("file", name),
		logger.String("config", cfg.String()),
		logger.Duration("elapsed", time.Since(start)),
	)

	body, err := conv.Convert(result)
	if err != nil {
		return err
	}
	if extractOpts.output == "" {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}
	return os.WriteFile(extractOpts.output, body, 0o644)
}
