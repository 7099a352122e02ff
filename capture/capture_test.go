package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// solid builds a PNG filled with one color.
func solid(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	raw, err := encodePNG(img)
	if err != nil {
		t.Fatalf("encodePNG: %v", err)
	}
	return raw
}

func TestViewport_MetadataEnrichment(t *testing.T) {
	f := pagehost.NewFake()
	payload := solid(t, 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	f.OnCapture = func(opts pagehost.CaptureOptions) ([]byte, error) { return payload, nil }
	f.OnEvaluate = func(code string, args ...any) (any, error) {
		if code == "navigator.userAgent" {
			return "Mozilla/5.0 (test)", nil
		}
		return nil, nil
	}
	f.SetTitle("Landing")

	shot, err := NewManager(nil).Viewport(context.Background(), f, pagehost.CaptureOptions{Format: "png"})
	if err != nil {
		t.Fatalf("Viewport: %v", err)
	}
	sum := sha256.Sum256(payload)
	if shot.Metadata.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash mismatch: %s", shot.Metadata.Hash)
	}
	if shot.Metadata.Size != len(payload) {
		t.Fatalf("size = %d, want %d", shot.Metadata.Size, len(payload))
	}
	if shot.Metadata.CaptureInfo.Title != "Landing" || shot.Metadata.CaptureInfo.UserAgent == "" {
		t.Fatalf("capture info incomplete: %+v", shot.Metadata.CaptureInfo)
	}
}

func TestArea_MissingCoordRejected(t *testing.T) {
	x, y, w := 0, 0, 100
	_, err := NewManager(nil).Area(context.Background(), pagehost.NewFake(),
		AreaSpec{X: &x, Y: &y, Width: &w}, pagehost.CaptureOptions{})
	if !errors.Is(err, ErrMissingCoord) {
		t.Fatalf("expected ErrMissingCoord, got %v", err)
	}
}

func TestPresets(t *testing.T) {
	opts, err := PresetOptions(PresetWeb)
	if err != nil || opts.Format != "webp" || opts.Quality != 85 {
		t.Fatalf("web preset = %+v err=%v", opts, err)
	}
	if _, err := PresetOptions("cinematic"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestCompare_DetectsChangedRegion(t *testing.T) {
	a := solid(t, 10, 10, color.RGBA{A: 255})
	bImg := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Half the pixels differ.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if x < 5 {
				bImg.Set(x, y, color.RGBA{R: 255, A: 255})
			} else {
				bImg.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	b, _ := encodePNG(bImg)

	res, err := Compare(context.Background(), a, b, CompareOptions{Threshold: 10})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if res.PixelsDiff != 50 || res.Difference != 0.5 {
		t.Fatalf("diff = %d px (%f), want 50 (0.5)", res.PixelsDiff, res.Difference)
	}
	if len(res.DiffImage) == 0 {
		t.Fatal("diff image missing")
	}
}

func TestCompare_SizeMismatch(t *testing.T) {
	a := solid(t, 4, 4, color.RGBA{A: 255})
	b := solid(t, 8, 8, color.RGBA{A: 255})
	if _, err := Compare(context.Background(), a, b, CompareOptions{}); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestStitch_VerticalWithGap(t *testing.T) {
	tiles := [][]byte{
		solid(t, 10, 5, color.RGBA{R: 255, A: 255}),
		solid(t, 10, 5, color.RGBA{B: 255, A: 255}),
	}
	out, err := Stitch(tiles, StitchOptions{Direction: StitchVertical, Gap: 2})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	img, err := decode(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sz := img.Bounds().Size(); sz.X != 10 || sz.Y != 12 {
		t.Fatalf("stitched size = %v, want 10x12", sz)
	}
}

func TestStitch_EmptyRejected(t *testing.T) {
	if _, err := Stitch(nil, StitchOptions{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestSimilarity_Methods(t *testing.T) {
	a := solid(t, 16, 16, color.RGBA{R: 200, A: 255})
	same := solid(t, 16, 16, color.RGBA{R: 200, A: 255})

	for _, method := range []SimilarityMethod{SimilarityPixel, SimilarityPerceptual} {
		score, err := Similarity(a, same, method)
		if err != nil {
			t.Fatalf("Similarity(%s): %v", method, err)
		}
		if score != 1.0 {
			t.Fatalf("identical images score(%s) = %f, want 1.0", method, score)
		}
	}

	if _, err := Similarity(a, same, "ssim"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestWithHighlights_EmptyRejected(t *testing.T) {
	_, err := NewManager(nil).WithHighlights(context.Background(), pagehost.NewFake(), nil, HighlightOptions{})
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestWithBlur_UnknownPatternRejected(t *testing.T) {
	_, err := NewManager(nil).WithBlur(context.Background(), pagehost.NewFake(), BlurOptions{
		BlurPatterns: []PIIPattern{"passport"},
	})
	if err == nil {
		t.Fatal("expected error for unknown pii pattern")
	}
}

func TestExtractText_FanOut(t *testing.T) {
	f := pagehost.NewFake()
	f.OnEvaluate = func(code string, args ...any) (any, error) {
		return map[string]any{"text": "EXHIBIT A", "confidence": 0.93}, nil
	}
	res, err := NewManager(nil).ExtractText(context.Background(), f, OCROptions{})
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if res.Text != "EXHIBIT A" || res.Confidence != 0.93 || res.Language != "en" {
		t.Fatalf("ocr result = %+v", res)
	}
}
