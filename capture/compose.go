package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
)

// CompareOptions controls Compare.
type CompareOptions struct {
	// Threshold is the per-channel delta (0..255) below which two pixels
	// count as identical.
	Threshold int
	// HighlightColor marks differing pixels in the diff image.
	HighlightColor color.RGBA
}

// CompareResult is the diff report.
type CompareResult struct {
	Difference  float64 `json:"difference"` // fraction of differing pixels, 0..1
	PixelsDiff  int     `json:"pixelsDiff"`
	TotalPixels int     `json:"totalPixels"`
	DiffImage   []byte  `json:"-"` // png
}

// Compare diffs two screenshots pixel-by-pixel and renders a diff image
// with differing pixels highlighted.
func Compare(ctx context.Context, a, b []byte, opts CompareOptions) (*CompareResult, error) {
	ctx, cancel := context.WithTimeout(ctx, compareTimeout)
	defer cancel()

	imgA, err := decode(a)
	if err != nil {
		return nil, fmt.Errorf("capture: compare: first image: %w", err)
	}
	imgB, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("capture: compare: second image: %w", err)
	}
	if imgA.Bounds().Size() != imgB.Bounds().Size() {
		return nil, fmt.Errorf("capture: compare: size mismatch %v vs %v", imgA.Bounds().Size(), imgB.Bounds().Size())
	}
	if opts.HighlightColor == (color.RGBA{}) {
		opts.HighlightColor = color.RGBA{R: 255, A: 255}
	}

	bounds := imgA.Bounds()
	diff := image.NewRGBA(bounds)
	draw.Draw(diff, bounds, imgA, bounds.Min, draw.Src)

	var differing int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrTimeout
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if pixelDiffers(imgA.At(x, y), imgB.At(x, y), opts.Threshold) {
				differing++
				diff.Set(x, y, opts.HighlightColor)
			}
		}
	}

	total := bounds.Dx() * bounds.Dy()
	var buf bytes.Buffer
	if err := png.Encode(&buf, diff); err != nil {
		return nil, fmt.Errorf("capture: compare: encode diff: %w", err)
	}
	return &CompareResult{
		Difference:  float64(differing) / float64(total),
		PixelsDiff:  differing,
		TotalPixels: total,
		DiffImage:   buf.Bytes(),
	}, nil
}

func pixelDiffers(a, b color.Color, threshold int) bool {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()
	t := uint32(threshold) << 8 // RGBA() returns 16-bit channels
	return absDelta(ar, br) > t || absDelta(ag, bg) > t || absDelta(ab, bb) > t
}

func absDelta(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// StitchDirection orients a stitch.
type StitchDirection string

const (
	StitchVertical   StitchDirection = "vertical"
	StitchHorizontal StitchDirection = "horizontal"
)

// StitchOptions controls Stitch.
type StitchOptions struct {
	Direction StitchDirection
	Gap       int // pixels between tiles, >= 0
}

// Stitch concatenates screenshots into one image. An empty input list
// is rejected.
func Stitch(images [][]byte, opts StitchOptions) ([]byte, error) {
	if len(images) == 0 {
		return nil, ErrEmptyInput
	}
	if opts.Direction == "" {
		opts.Direction = StitchVertical
	}
	if opts.Gap < 0 {
		opts.Gap = 0
	}

	decoded := make([]image.Image, 0, len(images))
	var width, height int
	for i, raw := range images {
		img, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("capture: stitch: image %d: %w", i, err)
		}
		decoded = append(decoded, img)
		sz := img.Bounds().Size()
		switch opts.Direction {
		case StitchVertical:
			if sz.X > width {
				width = sz.X
			}
			height += sz.Y
		case StitchHorizontal:
			if sz.Y > height {
				height = sz.Y
			}
			width += sz.X
		default:
			return nil, fmt.Errorf("capture: stitch: unknown direction %q", opts.Direction)
		}
	}
	gapTotal := opts.Gap * (len(decoded) - 1)
	if opts.Direction == StitchVertical {
		height += gapTotal
	} else {
		width += gapTotal
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	offset := 0
	for _, img := range decoded {
		sz := img.Bounds().Size()
		var at image.Rectangle
		if opts.Direction == StitchVertical {
			at = image.Rect(0, offset, sz.X, offset+sz.Y)
			offset += sz.Y + opts.Gap
		} else {
			at = image.Rect(offset, 0, offset+sz.X, sz.Y)
			offset += sz.X + opts.Gap
		}
		draw.Draw(canvas, at, img, img.Bounds().Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("capture: stitch: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// SimilarityMethod selects the similarity metric.
type SimilarityMethod string

const (
	SimilarityPerceptual SimilarityMethod = "perceptual"
	SimilarityPixel      SimilarityMethod = "pixel"
)

// Similarity scores two screenshots in [0,1]; 1 means identical.
//
// pixel compares exact pixel values; perceptual compares 8x8 average-hash
// fingerprints, tolerant of scaling and small shifts.
func Similarity(a, b []byte, method SimilarityMethod) (float64, error) {
	imgA, err := decode(a)
	if err != nil {
		return 0, fmt.Errorf("capture: similarity: first image: %w", err)
	}
	imgB, err := decode(b)
	if err != nil {
		return 0, fmt.Errorf("capture: similarity: second image: %w", err)
	}

	switch method {
	case SimilarityPixel, "":
		if imgA.Bounds().Size() != imgB.Bounds().Size() {
			return 0, nil
		}
		bounds := imgA.Bounds()
		same := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if !pixelDiffers(imgA.At(x, y), imgB.At(x, y), 0) {
					same++
				}
			}
		}
		return float64(same) / float64(bounds.Dx()*bounds.Dy()), nil
	case SimilarityPerceptual:
		ha := averageHash(imgA)
		hb := averageHash(imgB)
		matching := 0
		for i := range ha {
			if ha[i] == hb[i] {
				matching++
			}
		}
		return float64(matching) / float64(len(ha)), nil
	default:
		return 0, fmt.Errorf("capture: similarity: unknown method %q", method)
	}
}

// averageHash computes a 64-bit average-hash over an 8x8 downsample.
func averageHash(img image.Image) [64]bool {
	const dim = 8
	bounds := img.Bounds()
	var lum [64]float64
	cellW := float64(bounds.Dx()) / dim
	cellH := float64(bounds.Dy()) / dim

	for cy := 0; cy < dim; cy++ {
		for cx := 0; cx < dim; cx++ {
			x := bounds.Min.X + int(float64(cx)*cellW+cellW/2)
			y := bounds.Min.Y + int(float64(cy)*cellH+cellH/2)
			if x >= bounds.Max.X {
				x = bounds.Max.X - 1
			}
			if y >= bounds.Max.Y {
				y = bounds.Max.Y - 1
			}
			r, g, b, _ := img.At(x, y).RGBA()
			lum[cy*dim+cx] = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
		}
	}

	var sum float64
	for _, l := range lum {
		sum += l
	}
	avg := sum / 64

	var bits [64]bool
	for i, l := range lum {
		bits[i] = l > avg
	}
	return bits
}

func decode(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}

// encodePNG is a helper for tests and post-processing.
func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeJPEG keeps the jpeg decoder registered and serves thumbnail output.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
