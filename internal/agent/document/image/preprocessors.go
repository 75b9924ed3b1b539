package image

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Preprocessor is one step of the enhancement pipeline.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

type GrayscaleProcessor struct{}

func (GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// DeskewProcessor straightens scans tilted by up to angleLimit degrees.
type DeskewProcessor struct {
	angleLimit float64
	step       float64
	// minAngle is the smallest correction worth a rotation.
	minAngle float64
}

func NewDeskewProcessor(angleLimit float64) *DeskewProcessor {
	return &DeskewProcessor{angleLimit: angleLimit, step: 0.5, minAngle: 0.5}
}

func (p *DeskewProcessor) Process(img image.Image) (image.Image, error) {
	angle := p.detectSkewAngle(img)
	if math.Abs(angle) < p.minAngle {
		return img, nil
	}
	return imaging.Rotate(img, angle, color.White), nil
}

// detectSkewAngle returns the rotation that makes text lines horizontal,
// found by maximizing the variance of the horizontal projection profile on
// a downscaled copy.
func (p *DeskewProcessor) detectSkewAngle(img image.Image) float64 {
	small := imaging.Grayscale(imaging.Fit(img, 800, 800, imaging.Box))
	best, bestScore := 0.0, -1.0
	for a := -p.angleLimit; a <= p.angleLimit+1e-9; a += p.step {
		rotated := imaging.Rotate(small, a, color.White)
		if score := projectionScore(rotated); score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

func projectionScore(img *image.NRGBA) float64 {
	b := img.Bounds()
	prev := -1
	score := 0.0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		dark := 0
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			if row[x*4] < 128 {
				dark++
			}
		}
		if prev >= 0 {
			d := float64(dark - prev)
			score += d * d
		}
		prev = dark
	}
	return score
}

type DenoiseProcessor struct {
	sigma float64
}

func NewDenoiseProcessor(sigma float64) *DenoiseProcessor {
	return &DenoiseProcessor{sigma: sigma}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Blur(img, p.sigma), nil
}

type ContrastProcessor struct {
	amount float64
}

func NewContrastProcessor(amount float64) *ContrastProcessor {
	return &ContrastProcessor{amount: amount}
}

func (p *ContrastProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.amount), nil
}

// AdaptiveThresholdProcessor binarizes against the mean of each pixel's
// blockSize x blockSize neighbourhood minus constant.
type AdaptiveThresholdProcessor struct {
	blockSize int
	constant  float64
}

func NewAdaptiveThresholdProcessor(blockSize int, constant float64) *AdaptiveThresholdProcessor {
	if blockSize < 3 {
		blockSize = 3
	}
	if blockSize%2 == 0 {
		blockSize++
	}
	return &AdaptiveThresholdProcessor{blockSize: blockSize, constant: constant}
}

func (p *AdaptiveThresholdProcessor) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	lum := func(x, y int) int { return int(gray.Pix[y*gray.Stride+x*4]) }

	// integral[y+1][x+1] is the sum of lum over [0,x]x[0,y].
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(lum(x, y))
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	half := p.blockSize / 2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w-1, x+half)
			sum := integral[(y1+1)*(w+1)+x1+1] - integral[y0*(w+1)+x1+1] - integral[(y1+1)*(w+1)+x0] + integral[y0*(w+1)+x0]
			count := (x1 - x0 + 1) * (y1 - y0 + 1)
			mean := float64(sum) / float64(count)
			if float64(lum(x, y)) < mean-p.constant {
				out.Pix[y*out.Stride+x] = 0
			} else {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out, nil
}

// Options toggles the enhancement steps. Zero tuning values get defaults.
type Options struct {
	Deskew          bool
	Denoise         bool
	EnhanceContrast bool
	Binarize        bool

	DeskewAngleLimit float64
	DenoiseSigma     float64
	ContrastAmount   float64
	BlockSize        int
	ThresholdOffset  float64
}

func DefaultOptions() Options {
	return Options{
		Deskew:           true,
		Denoise:          true,
		EnhanceContrast:  true,
		Binarize:         true,
		DeskewAngleLimit: 5,
		DenoiseSigma:     0.5,
		ContrastAmount:   20,
		BlockSize:        11,
		ThresholdOffset:  2,
	}
}

func (o Options) Enabled() bool {
	return o.Deskew || o.Denoise || o.EnhanceContrast || o.Binarize
}

// Enhancer prepares rendered pages for OCR: grayscale, deskew, denoise,
// contrast, binarize, in that order. With every step disabled it returns
// its input untouched.
type Enhancer struct {
	pipeline []Preprocessor
}

func NewEnhancer(opts Options) *Enhancer {
	d := DefaultOptions()
	if opts.DeskewAngleLimit <= 0 {
		opts.DeskewAngleLimit = d.DeskewAngleLimit
	}
	if opts.DenoiseSigma <= 0 {
		opts.DenoiseSigma = d.DenoiseSigma
	}
	if opts.ContrastAmount == 0 {
		opts.ContrastAmount = d.ContrastAmount
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = d.BlockSize
	}
	if opts.ThresholdOffset == 0 {
		opts.ThresholdOffset = d.ThresholdOffset
	}

	e := &Enhancer{}
	if !opts.Enabled() {
		return e
	}
	e.pipeline = append(e.pipeline, GrayscaleProcessor{})
	if opts.Deskew {
		e.pipeline = append(e.pipeline, NewDeskewProcessor(opts.DeskewAngleLimit))
	}
	if opts.Denoise {
		e.pipeline = append(e.pipeline, NewDenoiseProcessor(opts.DenoiseSigma))
	}
	if opts.EnhanceContrast {
		e.pipeline = append(e.pipeline, NewContrastProcessor(opts.ContrastAmount))
	}
	if opts.Binarize {
		e.pipeline = append(e.pipeline, NewAdaptiveThresholdProcessor(opts.BlockSize, opts.ThresholdOffset))
	}
	return e
}

func (e *Enhancer) Enhance(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	result := img
	for _, p := range e.pipeline {
		var err error
		result, err = p.Process(result)
		if err != nil {
			return nil, fmt.Errorf("preprocessing failed: %w", err)
		}
		if result == nil {
			return nil, fmt.Errorf("preprocessor %T returned nil image", p)
		}
	}
	return result, nil
}
