package pdfsign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
)

const (
	// DefaultSignatureLength is the number of bytes reserved for the DER
	// signature inside /Contents.
	DefaultSignatureLength = 8192

	byteRangePlaceholder = "/ByteRange [0 /********** /********** /**********]"
)

type Options struct {
	// Page is the zero-based page carrying the signature widget.
	Page            int
	Name            string
	Reason          string
	Location        string
	SignatureLength int
	SigningTime     time.Time
}

// Sign embeds a detached PKCS#7 signature made with cert into data. The
// original bytes are kept untouched and the signature is appended as an
// incremental update.
func Sign(data []byte, cert *Certificate, opts Options) ([]byte, error) {
	prepared, err := AddPlaceholder(data, opts)
	if err != nil {
		return nil, err
	}
	return SignPlaceholder(prepared, cert)
}

// AddPlaceholder appends a signature dictionary with a zero-filled /Contents
// and a placeholder /ByteRange, attached through a widget annotation on
// opts.Page and registered in the catalog's /AcroForm. The update uses a
// cross-reference stream when the document does.
func AddPlaceholder(data []byte, opts Options) (out []byte, err error) {
	if opts.SignatureLength <= 0 {
		opts.SignatureLength = DefaultSignatureLength
	}
	if opts.SigningTime.IsZero() {
		opts.SigningTime = time.Now()
	}

	doc, err := readDocument(data)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrUnsupportedPDF, r)
		}
	}()

	catalogValue := doc.catalog()
	catalogRef := refOf(catalogValue)
	if catalogRef.num == 0 {
		return nil, fmt.Errorf("%w: catalog is not an indirect object", ErrUnsupportedPDF)
	}

	pageValue, err := doc.page(opts.Page)
	if err != nil {
		return nil, err
	}
	pageRef := refOf(pageValue)

	sigRef := objRef{num: doc.size}
	widgetRef := objRef{num: doc.size + 1}

	page := dictOf(pageValue)
	annots, err := arrayWith(pageValue.Key("Annots"), widgetRef.String())
	if err != nil {
		return nil, err
	}
	page.Set("Annots", annots)

	acroValue := catalogValue.Key("AcroForm")
	acroForm := &pdfDict{}
	if acroValue.Kind() == pdf.Dict {
		acroForm = dictOf(acroValue, "Fields", "SigFlags")
	}
	fields, err := arrayWith(acroValue.Key("Fields"), widgetRef.String())
	if err != nil {
		return nil, err
	}
	acroForm.Set("Fields", fields)
	acroForm.Set("SigFlags", "3")

	catalog := dictOf(catalogValue)
	catalog.Set("AcroForm", acroForm.String())

	var sig strings.Builder
	sig.WriteString("<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached ")
	sig.WriteString(byteRangePlaceholder)
	sig.WriteString(" /Contents <")
	sig.WriteString(strings.Repeat("0", opts.SignatureLength*2))
	sig.WriteString("> /M ")
	sig.WriteString(pdfString(pdfDate(opts.SigningTime)))
	if opts.Name != "" {
		sig.WriteString(" /Name " + pdfString(opts.Name))
	}
	if opts.Reason != "" {
		sig.WriteString(" /Reason " + pdfString(opts.Reason))
	}
	if opts.Location != "" {
		sig.WriteString(" /Location " + pdfString(opts.Location))
	}
	sig.WriteString(" >>")

	widget := fmt.Sprintf("<< /Type /Annot /Subtype /Widget /FT /Sig /Rect [0 0 0 0] /V %s /T %s /F 4 /P %s >>",
		sigRef, pdfString(fmt.Sprintf("Signature%d", widgetRef.num)), pageRef)

	objects := map[objRef]string{
		pageRef:    page.String(),
		catalogRef: catalog.String(),
		sigRef:     sig.String(),
		widgetRef:  widget,
	}

	trailer := &pdfDict{}
	trailer.Set("Size", strconv.Itoa(doc.size+2))
	trailer.Set("Root", catalogRef.String())
	old := doc.trailer()
	if info := old.Key("Info"); info.Kind() == pdf.Dict {
		trailer.Set("Info", formatChild(old, info))
	}
	if id := old.Key("ID"); id.Kind() == pdf.Array {
		trailer.Set("ID", formatChild(old, id))
	}
	trailer.Set("Prev", strconv.FormatInt(doc.startxref, 10))

	if doc.xrefStream {
		return writeStreamUpdate(data, objects, trailer, doc.size+2), nil
	}
	return writeUpdate(data, objects, trailer), nil
}

func pdfDate(t time.Time) string {
	return "D:" + t.UTC().Format("20060102150405") + "Z"
}

// appendObjects writes objects in number order after a copy of base and
// returns the sorted refs with their offsets.
func appendObjects(buf *bytes.Buffer, base []byte, objects map[objRef]string) ([]objRef, map[int]int) {
	buf.Grow(len(base) + 4096)
	buf.Write(base)
	if len(base) > 0 && base[len(base)-1] != '\n' {
		buf.WriteByte('\n')
	}

	refs := make([]objRef, 0, len(objects))
	for ref := range objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].num < refs[j].num })

	offsets := make(map[int]int, len(refs))
	for _, ref := range refs {
		offsets[ref.num] = buf.Len()
		fmt.Fprintf(buf, "%d %d obj\n%s\nendobj\n", ref.num, ref.gen, objects[ref])
	}
	return refs, offsets
}

// subsections groups sorted refs into runs of consecutive object numbers.
func subsections(refs []objRef) [][]objRef {
	var runs [][]objRef
	for i := 0; i < len(refs); {
		j := i
		for j+1 < len(refs) && refs[j+1].num == refs[j].num+1 {
			j++
		}
		runs = append(runs, refs[i:j+1])
		i = j + 1
	}
	return runs
}

// writeUpdate appends objects, a classic xref table covering them and
// trailer to a copy of base.
func writeUpdate(base []byte, objects map[objRef]string, trailer *pdfDict) []byte {
	var buf bytes.Buffer
	refs, offsets := appendObjects(&buf, base, objects)

	xrefOffset := buf.Len()
	buf.WriteString("xref\n")
	buf.WriteString("0 1\n0000000000 65535 f \n")
	for _, run := range subsections(refs) {
		fmt.Fprintf(&buf, "%d %d\n", run[0].num, len(run))
		for _, ref := range run {
			fmt.Fprintf(&buf, "%010d %05d n \n", offsets[ref.num], ref.gen)
		}
	}

	fmt.Fprintf(&buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, xrefOffset)
	return buf.Bytes()
}

// writeStreamUpdate is writeUpdate for documents indexed by cross-reference
// streams. The stream itself becomes object number xrefNum.
func writeStreamUpdate(base []byte, objects map[objRef]string, trailer *pdfDict, xrefNum int) []byte {
	var buf bytes.Buffer
	refs, offsets := appendObjects(&buf, base, objects)

	xrefOffset := buf.Len()
	self := objRef{num: xrefNum}
	refs = append(refs, self)
	offsets[self.num] = xrefOffset

	var rows bytes.Buffer
	var index []string
	for _, run := range subsections(refs) {
		index = append(index, strconv.Itoa(run[0].num), strconv.Itoa(len(run)))
		for _, ref := range run {
			off := uint32(offsets[ref.num])
			rows.Write([]byte{1, byte(off >> 24), byte(off >> 16), byte(off >> 8), byte(off), byte(ref.gen >> 8), byte(ref.gen)})
		}
	}

	dict := &pdfDict{}
	dict.Set("Type", "/XRef")
	for _, e := range trailer.entries {
		dict.Set(e.key, e.value)
	}
	dict.Set("Size", strconv.Itoa(xrefNum+1))
	dict.Set("W", "[1 4 2]")
	dict.Set("Index", "["+strings.Join(index, " ")+"]")
	dict.Set("Length", strconv.Itoa(rows.Len()))

	fmt.Fprintf(&buf, "%d 0 obj\n%s\nstream\n", xrefNum, dict)
	buf.Write(rows.Bytes())
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes()
}

// SignPlaceholder fills the placeholder written by AddPlaceholder: it
// computes the byte range around /Contents, signs those bytes and writes the
// hex-encoded signature into /Contents.
func SignPlaceholder(in []byte, cert *Certificate) ([]byte, error) {
	data := make([]byte, len(in))
	copy(data, in)

	pos := bytes.LastIndex(data, []byte(byteRangePlaceholder))
	if pos < 0 {
		return nil, ErrNoPlaceholder
	}

	contents := bytes.Index(data[pos:], []byte("/Contents <"))
	if contents < 0 {
		return nil, ErrNoPlaceholder
	}
	open := pos + contents + len("/Contents ")
	closing := bytes.IndexByte(data[open:], '>')
	if closing < 0 {
		return nil, ErrNoPlaceholder
	}
	closing += open
	after := closing + 1

	byteRange := fmt.Sprintf("/ByteRange [%d %d %d %d]", 0, open, after, len(data)-after)
	if len(byteRange) > len(byteRangePlaceholder) {
		return nil, fmt.Errorf("%w: byte range %q too long", ErrUnsupportedPDF, byteRange)
	}
	byteRange += strings.Repeat(" ", len(byteRangePlaceholder)-len(byteRange))
	copy(data[pos:], byteRange)

	signed := make([]byte, 0, open+len(data)-after)
	signed = append(signed, data[:open]...)
	signed = append(signed, data[after:]...)

	der, err := cert.signDetached(signed)
	if err != nil {
		return nil, err
	}

	encoded := hex.EncodeToString(der)
	if len(encoded) > closing-open-1 {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrSignatureTooLarge, len(der), (closing-open-1)/2)
	}
	copy(data[open+1:], encoded)

	return data, nil
}

func (c *Certificate) signDetached(content []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if err := sd.AddSigner(c.Certificate, c.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signature: %w", err)
	}
	return der, nil
}
