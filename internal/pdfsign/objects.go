package pdfsign

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/digitorus/pdf"
)

type objRef struct {
	num int
	gen int
}

func (r objRef) String() string {
	return fmt.Sprintf("%d %d R", r.num, r.gen)
}

func refOf(v pdf.Value) objRef {
	ptr := v.GetPtr()
	return objRef{num: int(ptr.GetID()), gen: int(ptr.GetGen())}
}

type dictEntry struct {
	key   string
	value string
}

// pdfDict is an order-preserving dictionary whose values are already
// serialized PDF source.
type pdfDict struct {
	entries []dictEntry
}

// dictOf copies v into a pdfDict, skipping the keys in omit. Entries held
// in other objects stay references.
func dictOf(v pdf.Value, omit ...string) *pdfDict {
	d := &pdfDict{}
	for _, key := range v.Keys() {
		if contains(omit, key) {
			continue
		}
		d.Set(key, formatChild(v, v.Key(key)))
	}
	return d
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (d *pdfDict) Get(key string) (string, bool) {
	for _, e := range d.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

func (d *pdfDict) Set(key, value string) {
	for i := range d.entries {
		if d.entries[i].key == key {
			d.entries[i].value = value
			return
		}
	}
	d.entries = append(d.entries, dictEntry{key: key, value: value})
}

func (d *pdfDict) String() string {
	var sb strings.Builder
	sb.WriteString("<<")
	for _, e := range d.entries {
		sb.WriteString(" ")
		sb.WriteString(pdfName(e.key))
		sb.WriteByte(' ')
		sb.WriteString(e.value)
	}
	sb.WriteString(" >>")
	return sb.String()
}

// arrayWith serializes the array v followed by extra items. A null v is an
// empty array.
func arrayWith(v pdf.Value, extra ...string) (string, error) {
	if v.Kind() != pdf.Array && v.Kind() != pdf.Null {
		return "", fmt.Errorf("%w: expected array, got %s", ErrUnsupportedPDF, v)
	}
	items := make([]string, 0, v.Len()+len(extra))
	for i := 0; i < v.Len(); i++ {
		items = append(items, formatChild(v, v.Index(i)))
	}
	items = append(items, extra...)
	return "[" + strings.Join(items, " ") + "]", nil
}

// formatChild writes child as a reference when it lives in another object
// than parent, and inline otherwise.
func formatChild(parent, child pdf.Value) string {
	if ref := refOf(child); ref.num != 0 && ref != refOf(parent) {
		return ref.String()
	}
	return formatValue(child)
}

func formatValue(v pdf.Value) string {
	switch v.Kind() {
	case pdf.Bool:
		return strconv.FormatBool(v.Bool())
	case pdf.Integer:
		return strconv.FormatInt(v.Int64(), 10)
	case pdf.Real:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case pdf.String:
		return "<" + hex.EncodeToString([]byte(v.RawString())) + ">"
	case pdf.Name:
		return pdfName(v.Name())
	case pdf.Array:
		s, _ := arrayWith(v)
		return s
	case pdf.Dict:
		return dictOf(v).String()
	}
	return "null"
}

// pdfName escapes name as a PDF name object.
func pdfName(name string) string {
	var sb strings.Builder
	sb.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '!' || c > '~' || strings.IndexByte("#()<>[]{}/%", c) >= 0 {
			fmt.Fprintf(&sb, "#%02X", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func pdfString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\r", `\r`, "\n", `\n`)
	return "(" + r.Replace(s) + ")"
}
