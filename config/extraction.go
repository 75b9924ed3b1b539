package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

// ExtractionSettings configures the extraction engine. Values come from
// defaults, an optional YAML file and the environment, in increasing
// priority.
type ExtractionSettings struct {
	Method     string `mapstructure:"extraction_method"`
	Mode       string `mapstructure:"llm_processing_mode"`
	OCREngine  string `mapstructure:"ocr_engine"`
	SchemaPath string `mapstructure:"schema_path"`

	DPI             int    `mapstructure:"dpi"`
	RenderCommand   string `mapstructure:"render_command"`
	PageConcurrency int    `mapstructure:"page_concurrency"`
	MaxTextLength   int    `mapstructure:"max_text_length"`

	Classifier ClassifierSettings `mapstructure:"classifier"`
	Retry      RetrySettings      `mapstructure:"retry"`
	LLM        LLMSettings        `mapstructure:"llm"`
	Preprocess PreprocessSettings `mapstructure:"preprocess"`
	Tesseract  TesseractSettings  `mapstructure:"tesseract"`
	Textract   TextractSettings   `mapstructure:"textract"`
}

type ClassifierSettings struct {
	MinTextLength  int `mapstructure:"min_text_length"`
	MinUsableChars int `mapstructure:"min_usable_chars"`
}

// RetrySettings holds delays in seconds.
type RetrySettings struct {
	MaxAttempts  int     `mapstructure:"max_attempts"`
	InitialDelay float64 `mapstructure:"initial_delay"`
	MaxDelay     float64 `mapstructure:"max_delay"`
}

type LLMSettings struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "ollama".
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	TextModel         string        `mapstructure:"text_model"`
	VisionModel       string        `mapstructure:"vision_model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	OllamaEndpoint    string        `mapstructure:"ollama_endpoint"`
}

type PreprocessSettings struct {
	Enabled  bool `mapstructure:"enabled"`
	Deskew   bool `mapstructure:"deskew"`
	Denoise  bool `mapstructure:"denoise"`
	Enhance  bool `mapstructure:"enhance"`
	Binarize bool `mapstructure:"binarize"`
}

type TesseractSettings struct {
	Language    string `mapstructure:"language"`
	PageSegMode int    `mapstructure:"page_seg_mode"`
}

type TextractSettings struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	EnableTables  bool    `mapstructure:"enable_tables"`
}

var extractionDefaults = map[string]interface{}{
	"extraction_method":   "hybrid",
	"llm_processing_mode": "multimodal",
	"ocr_engine":          "tesseract",
	"schema_path":         "",
	"dpi":                 300,
	"render_command":      "pdftoppm",
	"page_concurrency":    4,
	"max_text_length":     50000,

	"classifier.min_text_length":  50,
	"classifier.min_usable_chars": 3,

	"retry.max_attempts":  3,
	"retry.initial_delay": 1.0,
	"retry.max_delay":     30.0,

	"llm.provider":            "openai",
	"llm.api_key":             "",
	"llm.base_url":            "https://generativelanguage.googleapis.com/v1beta/openai/",
	"llm.text_model":          "gemini-2.5-pro",
	"llm.vision_model":        "gemini-2.5-pro",
	"llm.temperature":         0.0,
	"llm.max_tokens":          8192,
	"llm.timeout":             "5m",
	"llm.requests_per_second": 0.0,
	"llm.burst":               1,
	"llm.ollama_endpoint":     "http://localhost:11434",

	"preprocess.enabled":  true,
	"preprocess.deskew":   true,
	"preprocess.denoise":  true,
	"preprocess.enhance":  true,
	"preprocess.binarize": true,

	"tesseract.language":      "eng",
	"tesseract.page_seg_mode": 3,

	"textract.min_confidence": 80.0,
	"textract.enable_tables":  true,
}

// extractionEnv maps keys to the environment variables the service has
// always used.
var extractionEnv = map[string]string{
	"extraction_method":   "EXTRACTION_METHOD",
	"llm_processing_mode": "LLM_PROCESSING_MODE",
	"ocr_engine":          "OCR_ENGINE",
	"schema_path":         "SCHEMA_PATH",
	"dpi":                 "PDF_PREPROCESSING_DPI",
	"render_command":      "PDFTOPPM_CMD",
	"page_concurrency":    "PAGE_CONCURRENCY",
	"max_text_length":     "MAX_TEXT_LENGTH",

	"classifier.min_text_length":  "MIN_TEXT_LENGTH",
	"classifier.min_usable_chars": "MIN_USABLE_CHARS",

	"retry.max_attempts":  "API_MAX_RETRIES",
	"retry.initial_delay": "API_RETRY_INITIAL_DELAY",
	"retry.max_delay":     "API_RETRY_MAX_DELAY",

	"llm.provider":            "LLM_PROVIDER",
	"llm.api_key":             "GEMINI_API_KEY",
	"llm.base_url":            "LLM_BASE_URL",
	"llm.text_model":          "GEMINI_TEXT_MODEL",
	"llm.vision_model":        "GEMINI_VISION_MODEL",
	"llm.temperature":         "LLM_TEMPERATURE",
	"llm.max_tokens":          "LLM_MAX_TOKENS",
	"llm.timeout":             "LLM_TIMEOUT",
	"llm.requests_per_second": "LLM_REQUESTS_PER_SECOND",
	"llm.burst":               "LLM_BURST",
	"llm.ollama_endpoint":     "OLLAMA_ENDPOINT",

	"preprocess.enabled":  "ENABLE_IMAGE_PREPROCESSING",
	"preprocess.deskew":   "ENABLE_DESKEW",
	"preprocess.denoise":  "ENABLE_DENOISE",
	"preprocess.enhance":  "ENABLE_ENHANCE",
	"preprocess.binarize": "ENABLE_BINARIZE",

	"tesseract.language":      "TESSERACT_LANG",
	"tesseract.page_seg_mode": "TESSERACT_PSM",

	"textract.min_confidence": "TEXTRACT_MIN_CONFIDENCE",
	"textract.enable_tables":  "TEXTRACT_ENABLE_TABLES",
}

var (
	extractionOnce     sync.Once
	extractionSettings *ExtractionSettings
	extractionErr      error
)

// GetExtractionConfig loads the settings once, reading the YAML file named
// by EXTRACTOR_CONFIG_FILE if set.
func GetExtractionConfig() (*ExtractionSettings, error) {
	extractionOnce.Do(func() {
		loadEnv()
		extractionSettings, extractionErr = LoadExtractionSettings(getEnv("EXTRACTOR_CONFIG_FILE", ""))
	})
	return extractionSettings, extractionErr
}

// LoadExtractionSettings reads settings without caching. path may be "".
func LoadExtractionSettings(path string) (*ExtractionSettings, error) {
	v := viper.New()
	for key, value := range extractionDefaults {
		v.SetDefault(key, value)
	}
	for key, env := range extractionEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var s ExtractionSettings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	s.LLM.APIKey = strings.TrimSpace(s.LLM.APIKey)
	return &s, nil
}

// ExtractionConfig parses the default method, mode and engine.
func (s *ExtractionSettings) ExtractionConfig() (models.ExtractionConfig, error) {
	method, err := models.ParseExtractionMethod(s.Method)
	if err != nil {
		return models.ExtractionConfig{}, err
	}
	mode, err := models.ParseProcessingMode(s.Mode)
	if err != nil {
		return models.ExtractionConfig{}, err
	}
	engine, err := models.ParseOCREngine(s.OCREngine)
	if err != nil {
		return models.ExtractionConfig{}, err
	}
	return models.ExtractionConfig{Method: method, Mode: mode, OCREngine: engine}, nil
}

func (s *ExtractionSettings) RetryPolicy() (retry.Policy, error) {
	p := retry.DefaultPolicy()
	p.MaxAttempts = s.Retry.MaxAttempts
	p.InitialDelay = seconds(s.Retry.InitialDelay)
	p.MaxDelay = seconds(s.Retry.MaxDelay)
	if err := p.Validate(); err != nil {
		return retry.Policy{}, err
	}
	return p, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
