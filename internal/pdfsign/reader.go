package pdfsign

import (
	"bytes"
	"fmt"

	"github.com/digitorus/pdf"
)

// document is the parsed view of a PDF that an incremental update is
// appended to.
type document struct {
	data       []byte
	rdr        *pdf.Reader
	size       int
	startxref  int64
	xrefStream bool
}

func readDocument(data []byte) (doc *document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: %v", ErrUnsupportedPDF, r)
		}
	}()

	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPDF, err)
	}

	trailer := rdr.Trailer()
	size := trailer.Key("Size").Int64()
	if size <= 0 {
		return nil, fmt.Errorf("%w: trailer has no /Size", ErrUnsupportedPDF)
	}
	if trailer.Key("Root").Kind() != pdf.Dict {
		return nil, fmt.Errorf("%w: trailer has no /Root", ErrUnsupportedPDF)
	}

	return &document{
		data:       data,
		rdr:        rdr,
		size:       int(size),
		startxref:  rdr.XrefInformation.StartPos,
		xrefStream: rdr.XrefInformation.Type == "stream",
	}, nil
}

func (d *document) trailer() pdf.Value {
	return d.rdr.Trailer()
}

func (d *document) catalog() pdf.Value {
	return d.rdr.Trailer().Key("Root")
}

// page returns the zero-based page index.
func (d *document) page(index int) (pdf.Value, error) {
	if index < 0 || index >= d.rdr.NumPage() {
		return pdf.Value{}, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, index, d.rdr.NumPage())
	}
	page := d.rdr.Page(index + 1).V
	if page.Kind() != pdf.Dict || refOf(page).num == 0 {
		return pdf.Value{}, fmt.Errorf("%w: page %d is not an indirect dictionary", ErrUnsupportedPDF, index)
	}
	return page, nil
}
