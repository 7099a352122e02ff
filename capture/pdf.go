package capture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// PDFResult describes a saved PDF.
type PDFResult struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	Size      int       `json:"size"`
	PageCount int       `json:"pageCount"`
	Timestamp time.Time `json:"timestamp"`
}

// SavePDF prints the page to PDF, validates the document structure, and
// writes it to path. Invalid output is not persisted.
func (m *Manager) SavePDF(ctx context.Context, h pagehost.Host, path string) (*PDFResult, error) {
	ctx, cancel := context.WithTimeout(ctx, fullPageTimeout)
	defer cancel()

	data, err := h.PrintPDF(ctx)
	if err != nil {
		return nil, mapTimeout(fmt.Errorf("capture: print pdf: %w", err))
	}

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("capture: pdf validation: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("capture: save pdf: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("capture: save pdf: %w", err)
	}

	sum := sha256.Sum256(data)
	return &PDFResult{
		Path:      path,
		Hash:      hex.EncodeToString(sum[:]),
		Size:      len(data),
		PageCount: pdfCtx.PageCount,
		Timestamp: time.Now(),
	}, nil
}
