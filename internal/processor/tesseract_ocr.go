/**
 * Tesseract OCR - word-level recognition
 *
 * Runs Tesseract through gosseract on one decoded page at a time and reports
 * every word with its bounding box and confidence.
 */

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// OCREngine recognizes the words on a single page image
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, page *Page) (*OCRPage, error)
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language    string // e.g. "eng" or "eng+deu"
	PageSegMode int    // 0-13, 3 is fully automatic
	Blacklist   string // characters Tesseract must never emit
}

// TesseractOCR handles word-level OCR using Tesseract
type TesseractOCR struct {
	config        TesseractConfig
	clientFactory func() *gosseract.Client
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	c := TesseractConfig{Language: "eng", PageSegMode: int(gosseract.PSM_AUTO)}
	if cfg != nil {
		c = *cfg
	}
	if c.Language == "" {
		c.Language = "eng"
	}
	if c.PageSegMode < int(gosseract.PSM_OSD_ONLY) || c.PageSegMode > int(gosseract.PSM_RAW_LINE) {
		return nil, fmt.Errorf("page segmentation mode must be between 0 and 13, got %d", c.PageSegMode)
	}

	return &TesseractOCR{
		config:        c,
		clientFactory: gosseract.NewClient,
	}, nil
}

// Name identifies the engine in results and logs
func (t *TesseractOCR) Name() string { return "tesseract" }

// Recognize performs OCR on a PNG-encoded page
func (t *TesseractOCR) Recognize(ctx context.Context, page *Page) (*OCRPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(strings.Split(t.config.Language, "+")...); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(t.config.PageSegMode)); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if t.config.Blacklist != "" {
		if err := client.SetVariable(gosseract.SettableVariable("tessedit_char_blacklist"), t.config.Blacklist); err != nil {
			return nil, fmt.Errorf("failed to set blacklist: %w", err)
		}
	}
	if err := client.SetImageFromBytes(page.Image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	words := make([]OCRWord, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		words = append(words, OCRWord{
			Text:        strings.TrimSpace(b.Word),
			Confidence:  b.Confidence,
			BoundingBox: BoundingBoxFromRect(b.Box),
		})
	}

	return &OCRPage{
		PageNumber: page.Number,
		Width:      page.Width,
		Height:     page.Height,
		Confidence: meanWordConfidence(words),
		Words:      words,
	}, nil
}
