/**
 * Page Decoder - turns uploaded image bytes into OCR-ready pages
 *
 * Decodes PNG, JPEG, GIF, BMP, TIFF and WebP input, optionally cleans the
 * image up for OCR and re-encodes every page as PNG for Tesseract.
 */

package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Page is one decoded, PNG-encoded page image
type Page struct {
	Number int
	Width  int
	Height int
	Image  []byte
}

// PageDecoderConfig controls decoding
type PageDecoderConfig struct {
	// Preprocess applies grayscale, contrast and sharpening before OCR
	Preprocess bool
}

// PageDecoder converts image uploads to pages
type PageDecoder struct {
	config PageDecoderConfig
}

// NewPageDecoder creates a page decoder
func NewPageDecoder(cfg PageDecoderConfig) *PageDecoder {
	return &PageDecoder{config: cfg}
}

// SupportedImageTypes lists the MIME types Decode accepts
var SupportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// Decode decodes data of the given MIME type into pages. Animated GIFs
// yield one page per frame; every other format yields a single page.
func (d *PageDecoder) Decode(data []byte, mimeType string) ([]*Page, error) {
	if !SupportedImageTypes[mimeType] {
		return nil, errors.NewUnsupportedFormatError("", mimeType)
	}

	images, err := decodeImages(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mimeType, err)
	}

	pages := make([]*Page, 0, len(images))
	for i, img := range images {
		img = d.prepare(img)

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", i+1, err)
		}
		pages = append(pages, &Page{
			Number: i + 1,
			Width:  img.Bounds().Dx(),
			Height: img.Bounds().Dy(),
			Image:  buf.Bytes(),
		})
	}
	return pages, nil
}

func decodeImages(data []byte, mimeType string) ([]image.Image, error) {
	r := bytes.NewReader(data)

	var (
		img image.Image
		err error
	)
	switch mimeType {
	case "image/gif":
		anim, err := gif.DecodeAll(r)
		if err != nil {
			return nil, err
		}
		return gifFrames(anim), nil
	case "image/png":
		img, err = png.Decode(r)
	case "image/jpeg":
		img, err = jpeg.Decode(r)
	case "image/bmp":
		img, err = bmp.Decode(r)
	case "image/tiff":
		img, err = tiff.Decode(r)
	case "image/webp":
		img, err = webp.Decode(r)
	}
	if err != nil {
		return nil, err
	}
	return []image.Image{img}, nil
}

// gifFrames composites each frame onto the canvas so partial frames keep
// the content drawn by earlier ones
func gifFrames(anim *gif.GIF) []image.Image {
	bounds := image.Rect(0, 0, anim.Config.Width, anim.Config.Height)
	if bounds.Empty() && len(anim.Image) > 0 {
		bounds = anim.Image[0].Bounds()
	}

	canvas := image.NewRGBA(bounds)
	frames := make([]image.Image, 0, len(anim.Image))
	for _, frame := range anim.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		frames = append(frames, imaging.Clone(canvas))
	}
	return frames
}

// prepare never resizes: word boxes must stay in source pixels so the
// realignment distances keep their meaning
func (d *PageDecoder) prepare(img image.Image) image.Image {
	if d.config.Preprocess {
		gray := imaging.Grayscale(img)
		gray = imaging.AdjustContrast(gray, 20)
		img = imaging.Sharpen(gray, 1.0)
	}
	return img
}
