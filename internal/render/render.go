package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
)

var (
	ErrNoPages          = errors.New("document has no pages")
	ErrInvalidPlacement = errors.New("invalid signature placement")
)

// Placement positions one signature image. Coordinates are measured from
// the top-left corner of the page in the units of the Canvas passed to
// Stamp; Page is zero-based.
type Placement struct {
	Page   int
	X      float64
	Y      float64
	Width  float64
	Height float64
	Image  []byte
}

// Canvas is the page size signature positions were recorded against. Stamp
// scales each placement from the canvas to the actual page. The zero Canvas
// means positions are already PDF points.
type Canvas struct {
	Width  float64
	Height float64
}

// EditorCanvas is the page size of the web signing editor.
var EditorCanvas = Canvas{Width: 800, Height: 1132}

// Map converts p from canvas units to points on a page of pageW x pageH.
func (c Canvas) Map(p Placement, pageW, pageH float64) Placement {
	if c.Width <= 0 || c.Height <= 0 {
		return p
	}
	sx, sy := pageW/c.Width, pageH/c.Height
	p.X *= sx
	p.Y *= sy
	p.Width *= sx
	p.Height *= sy
	return p
}

func (p Placement) validate(pages int) error {
	if p.Page < 0 || p.Page >= pages {
		return fmt.Errorf("%w: page %d of %d", ErrInvalidPlacement, p.Page, pages)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: empty area %.2fx%.2f", ErrInvalidPlacement, p.Width, p.Height)
	}
	if len(p.Image) == 0 {
		return fmt.Errorf("%w: no image", ErrInvalidPlacement)
	}
	return nil
}

// Stamp draws PNG signature images over the pages of blank and returns a new
// PDF. Every source page is imported as a template at its original size.
func Stamp(blank []byte, placements []Placement, canvas Canvas) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("failed to import pdf: %v", r)
		}
	}()

	rs := io.ReadSeeker(bytes.NewReader(blank))
	importer := gofpdi.NewImporter()
	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetAutoPageBreak(false, 0)

	first := importer.ImportPageFromStream(pdf, &rs, 1, "/MediaBox")
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to import pdf: %w", err)
	}

	sizes := importer.GetPageSizes()
	pages := len(sizes)
	if pages == 0 {
		return nil, ErrNoPages
	}

	byPage := make(map[int][]Placement, len(placements))
	for _, p := range placements {
		if err := p.validate(pages); err != nil {
			return nil, err
		}
		byPage[p.Page] = append(byPage[p.Page], p)
	}

	imageOpts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}

	for n := 1; n <= pages; n++ {
		tpl := first
		if n > 1 {
			tpl = importer.ImportPageFromStream(pdf, &rs, n, "/MediaBox")
		}

		w, h := pageSize(sizes[n])
		orientation := "P"
		if w > h {
			orientation = "L"
		}

		pdf.AddPageFormat(orientation, gofpdf.SizeType{Wd: w, Ht: h})
		importer.UseImportedTemplate(pdf, tpl, 0, 0, w, h)

		for i, p := range byPage[n-1] {
			p = canvas.Map(p, w, h)
			name := fmt.Sprintf("signature-%d-%d", n, i)
			pdf.RegisterImageOptionsReader(name, imageOpts, bytes.NewReader(p.Image))
			pdf.ImageOptions(name, p.X, p.Y, p.Width, p.Height, false, imageOpts, 0, "")
		}

		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", n, err)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// pageSize prefers the MediaBox and falls back to any box the page declares,
// then to A4.
func pageSize(boxes map[string]map[string]float64) (float64, float64) {
	if box, ok := boxes["/MediaBox"]; ok && box["w"] > 0 && box["h"] > 0 {
		return box["w"], box["h"]
	}
	for _, box := range boxes {
		if box["w"] > 0 && box["h"] > 0 {
			return box["w"], box["h"]
		}
	}
	return 595.28, 841.89
}

// PageCount returns the number of pages in pdf, failing when pdf cannot be
// imported.
func PageCount(pdf []byte) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			count = 0
			err = fmt.Errorf("failed to read pdf: %v", r)
		}
	}()

	rs := io.ReadSeeker(bytes.NewReader(pdf))
	importer := gofpdi.NewImporter()
	scratch := gofpdf.New("P", "pt", "A4", "")
	importer.ImportPageFromStream(scratch, &rs, 1, "/MediaBox")
	if err := scratch.Error(); err != nil {
		return 0, fmt.Errorf("failed to read pdf: %w", err)
	}
	return len(importer.GetPageSizes()), nil
}
