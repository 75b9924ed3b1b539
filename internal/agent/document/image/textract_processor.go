package image

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"

	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

// TextractAPI is the subset of the Textract client the engine uses.
type TextractAPI interface {
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

type TextractConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	// MinConfidence drops LINE blocks below this confidence (0-100).
	MinConfidence float32
	// EnableTables switches to AnalyzeDocument and appends recognized
	// tables after the text lines.
	EnableTables bool
}

type TextractEngine struct {
	client TextractAPI
	cfg    TextractConfig
	logger logger.Logger
}

// NewTextractEngine builds a client from static credentials when given,
// otherwise from the default AWS credential chain.
func NewTextractEngine(ctx context.Context, cfg TextractConfig, log logger.Logger) (*TextractEngine, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	// The invoker owns retries.
	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewTextractEngineWithClient(client, cfg, log), nil
}

func NewTextractEngineWithClient(client TextractAPI, cfg TextractConfig, log logger.Logger) *TextractEngine {
	return &TextractEngine{client: client, cfg: cfg, logger: log.Named("textract")}
}

func (p *TextractEngine) Name() string { return "textract" }

// Recognize ignores language; Textract detects it.
func (p *TextractEngine) Recognize(ctx context.Context, img image.Image, _ string) (*OCRResult, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	doc := &types.Document{Bytes: data}

	var blocks []types.Block
	if p.cfg.EnableTables {
		out, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
			Document:     doc,
			FeatureTypes: []types.FeatureType{types.FeatureTypeTables},
		})
		if err != nil {
			return nil, classifyTextractError(err)
		}
		blocks = out.Blocks
	} else {
		out, err := p.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{Document: doc})
		if err != nil {
			return nil, classifyTextractError(err)
		}
		blocks = out.Blocks
	}

	lines, confidence := p.processLines(blocks)
	text := strings.Join(lines, "\n")
	if p.cfg.EnableTables {
		for i, table := range processTables(blocks) {
			text += fmt.Sprintf("\n\nTable %d:\n%s", i+1, table)
		}
	}
	return &OCRResult{Text: strings.TrimSpace(text), Confidence: confidence, Engine: p.Name()}, nil
}

func (p *TextractEngine) processLines(blocks []types.Block) ([]string, float64) {
	var lines []string
	var total float64
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		conf := aws.ToFloat32(block.Confidence)
		if conf < p.cfg.MinConfidence {
			continue
		}
		lines = append(lines, *block.Text)
		total += float64(conf)
	}
	if len(lines) == 0 {
		return nil, 0
	}
	return lines, total / float64(len(lines))
}

// processTables renders each TABLE block as pipe-separated rows.
func processTables(blocks []types.Block) []string {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var tables []string
	for _, table := range blocks {
		if table.BlockType != types.BlockTypeTable {
			continue
		}
		cells := map[[2]int]string{}
		rows, cols := 0, 0
		for _, id := range childIDs(table) {
			cell, ok := byID[id]
			if !ok || cell.BlockType != types.BlockTypeCell || cell.RowIndex == nil || cell.ColumnIndex == nil {
				continue
			}
			r, c := int(*cell.RowIndex), int(*cell.ColumnIndex)
			rows, cols = max(rows, r), max(cols, c)
			var words []string
			for _, wid := range childIDs(cell) {
				if w, ok := byID[wid]; ok && w.Text != nil {
					words = append(words, *w.Text)
				}
			}
			cells[[2]int{r, c}] = strings.Join(words, " ")
		}
		if rows == 0 {
			continue
		}
		lines := make([]string, 0, rows)
		for r := 1; r <= rows; r++ {
			row := make([]string, cols)
			for c := 1; c <= cols; c++ {
				row[c-1] = cells[[2]int{r, c}]
			}
			lines = append(lines, strings.Join(row, " | "))
		}
		tables = append(tables, strings.Join(lines, "\n"))
	}
	return tables
}

func childIDs(b types.Block) []string {
	var ids []string
	for _, rel := range b.Relationships {
		if rel.Type == types.RelationshipTypeChild {
			ids = append(ids, rel.Ids...)
		}
	}
	return ids
}

// classifyTextractError marks request errors that no retry can fix.
func classifyTextractError(err error) error {
	wrapped := fmt.Errorf("textract: %w", err)
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "BadDocumentException", "DocumentTooLargeException",
		"InvalidParameterException", "UnsupportedDocumentException",
		"UnrecognizedClientException", "InvalidSignatureException", "ExpiredTokenException":
		return retry.Permanent(wrapped)
	}
	return wrapped
}
