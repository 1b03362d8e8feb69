package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os/exec"
	"testing"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

func TestNewTesseractOCRDefaults(t *testing.T) {
	ocr, err := NewTesseractOCR(nil)
	if err != nil {
		t.Fatalf("NewTesseractOCR() error = %v", err)
	}
	if ocr.config.Language != "eng" || ocr.config.PageSegMode != 3 {
		t.Errorf("config = %+v", ocr.config)
	}
	if ocr.Name() != "tesseract" {
		t.Errorf("Name() = %q", ocr.Name())
	}

	if _, err := NewTesseractOCR(&TesseractConfig{PageSegMode: 14}); err == nil {
		t.Error("page segmentation mode 14 accepted")
	}
	if _, err := NewTesseractOCR(&TesseractConfig{PageSegMode: -1}); err == nil {
		t.Error("page segmentation mode -1 accepted")
	}
}

// renderText draws s with the basic bitmap font and scales it up so
// Tesseract has glyphs large enough to read
func renderText(t *testing.T, s string) *Page {
	t.Helper()
	small := image.NewRGBA(image.Rect(0, 0, 7*len(s)+20, 30))
	draw.Draw(small, small.Bounds(), image.White, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 20),
	}
	d.DrawString(s)

	const scale = 4
	big := image.NewRGBA(image.Rect(0, 0, small.Bounds().Dx()*scale, small.Bounds().Dy()*scale))
	draw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, big); err != nil {
		t.Fatal(err)
	}
	return &Page{Number: 1, Width: big.Bounds().Dx(), Height: big.Bounds().Dy(), Image: buf.Bytes()}
}

func TestTesseractRecognize(t *testing.T) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed")
	}

	ocr, err := NewTesseractOCR(&TesseractConfig{Language: "eng", PageSegMode: 6})
	if err != nil {
		t.Fatal(err)
	}

	page := renderText(t, "HELLO WORLD")
	result, err := ocr.Recognize(context.Background(), page)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if result.PageNumber != 1 {
		t.Errorf("PageNumber = %d", result.PageNumber)
	}

	bounds := image.Rect(0, 0, page.Width, page.Height)
	for _, w := range result.Words {
		box := image.Rect(w.BoundingBox.X, w.BoundingBox.Y,
			w.BoundingBox.X+w.BoundingBox.Width, w.BoundingBox.Y+w.BoundingBox.Height)
		if !box.In(bounds) {
			t.Errorf("word %q box %v outside page %v", w.Text, box, bounds)
		}
		if w.Text == "" {
			t.Error("empty word reported")
		}
	}
}

func TestTesseractRecognizeCancelled(t *testing.T) {
	ocr, err := NewTesseractOCR(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ocr.Recognize(ctx, &Page{Number: 1}); err == nil {
		t.Error("cancelled context ignored")
	}
}
