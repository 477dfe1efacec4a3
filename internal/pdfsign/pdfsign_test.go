package pdfsign

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blankPDF(t *testing.T, pages int) []byte {
	t.Helper()

	pdf := gofpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "", 12)
		pdf.Cell(40, 10, fmt.Sprintf("Contract page %d", i+1))
	}

	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

var serial int64

func testCertificate(t *testing.T, cn string) *Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Insignia"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Certificate{Certificate: cert, PrivateKey: key}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	original := blankPDF(t, 1)
	cert := testCertificate(t, "Insignia Signer")

	signed, err := Sign(original, cert, Options{Reason: "notarization", Name: "Insignia"})
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(signed, original), "signature must be an incremental update")

	result, err := Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "Insignia Signer", result.Certificate.Subject.CommonName)
	assert.Equal(t, 0, result.ByteRange[0])
	assert.Equal(t, len(signed), result.ByteRange[2]+result.ByteRange[3])
	assert.Equal(t, byte('<'), signed[result.ByteRange[1]])
	assert.Equal(t, byte('>'), signed[result.ByteRange[2]-1])
	assert.False(t, result.SigningTime.IsZero())
}

func TestSignVerify_SecondPage(t *testing.T) {
	cert := testCertificate(t, "Insignia Signer")

	signed, err := Sign(blankPDF(t, 3), cert, Options{Page: 1})
	require.NoError(t, err)

	_, err = Verify(signed)
	require.NoError(t, err)

	_, err = Sign(blankPDF(t, 2), cert, Options{Page: 2})
	assert.True(t, errors.Is(err, ErrPageOutOfRange), "got %v", err)
}

func TestSign_Twice(t *testing.T) {
	cert := testCertificate(t, "Insignia Signer")

	once, err := Sign(blankPDF(t, 1), cert, Options{})
	require.NoError(t, err)
	twice, err := Sign(once, cert, Options{})
	require.NoError(t, err)

	_, err = Verify(twice)
	require.NoError(t, err)

	doc, err := readDocument(twice)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.catalog().Key("AcroForm").Key("Fields").Len())
	assert.Equal(t, int64(3), doc.catalog().Key("AcroForm").Key("SigFlags").Int64())

	page, err := doc.page(0)
	require.NoError(t, err)
	annots := page.Key("Annots")
	require.Equal(t, 2, annots.Len())
	assert.Equal(t, "Sig", annots.Index(1).Key("FT").Name())
	assert.Equal(t, "Sig", annots.Index(1).Key("V").Key("Type").Name())
}

// xrefStreamPDF builds a one-page PDF indexed by a cross-reference stream
// instead of a classic table, as most PDF 1.5+ producers write them.
func xrefStreamPDF(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << >> >>",
	}
	offsets := make([]int, 0, len(objects)+1)
	for i, obj := range objects {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xrefOffset := buf.Len()
	offsets = append(offsets, xrefOffset)

	var rows bytes.Buffer
	rows.Write([]byte{0, 0, 0, 0xff})
	for _, off := range offsets {
		rows.Write([]byte{1, byte(off >> 8), byte(off), 0})
	}
	fmt.Fprintf(&buf, "4 0 obj\n<< /Type /XRef /Size 5 /W [1 2 1] /Root 1 0 R /ID [<0a0b><0a0b>] /Length %d >>\nstream\n", rows.Len())
	buf.Write(rows.Bytes())
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes()
}

func TestSign_CrossReferenceStream(t *testing.T) {
	original := xrefStreamPDF(t)
	cert := testCertificate(t, "Insignia Signer")

	doc, err := readDocument(original)
	require.NoError(t, err)
	require.True(t, doc.xrefStream)

	signed, err := Sign(original, cert, Options{})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(signed, original))

	result, err := Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "Insignia Signer", result.Certificate.Subject.CommonName)

	updated, err := readDocument(signed)
	require.NoError(t, err)
	assert.True(t, updated.xrefStream)
	assert.Equal(t, 8, updated.size)
	assert.Equal(t, 1, updated.catalog().Key("AcroForm").Key("Fields").Len())
	assert.Equal(t, "0a0b", fmt.Sprintf("%x", updated.trailer().Key("ID").Index(0).RawString()))

	twice, err := Sign(signed, cert, Options{})
	require.NoError(t, err)
	_, err = Verify(twice)
	assert.NoError(t, err)
}

func TestVerify_Tampered(t *testing.T) {
	signed, err := Sign(blankPDF(t, 1), testCertificate(t, "Insignia Signer"), Options{})
	require.NoError(t, err)

	signed[20] ^= 0x01

	_, err = Verify(signed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTampered), "got %v", err)
	assert.False(t, errors.Is(err, ErrForged))
	assert.True(t, IsVerificationFailure(err))
}

func TestVerify_Forged(t *testing.T) {
	real := testCertificate(t, "Insignia Signer")
	other := testCertificate(t, "Somebody Else")

	swapped := &Certificate{Certificate: other.Certificate, PrivateKey: real.PrivateKey}
	signed, err := Sign(blankPDF(t, 1), swapped, Options{})
	require.NoError(t, err)

	_, err = Verify(signed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForged), "got %v", err)
	assert.False(t, errors.Is(err, ErrTampered))
}

func TestVerify_NotSigned(t *testing.T) {
	placeholder, err := AddPlaceholder(blankPDF(t, 1), Options{})
	require.NoError(t, err)

	tests := []struct {
		name string
		pdf  []byte
	}{
		{"unsigned", blankPDF(t, 1)},
		{"empty", nil},
		{"placeholder only", placeholder},
		{"malformed byte range", []byte("%PDF-1.4\n/ByteRange [0 12 x]\n")},
		{"range outside document", []byte("%PDF-1.4\n/ByteRange [0 10 5000 10] /Contents <00>\n")},
		{"garbage contents", []byte("%PDF-1.4\n/ByteRange [0 10 16 4]<zz>\nabcd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.pdf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotSigned), "got %v", err)
		})
	}
}

func TestSign_SignatureTooLarge(t *testing.T) {
	_, err := Sign(blankPDF(t, 1), testCertificate(t, "Insignia Signer"), Options{SignatureLength: 16})
	assert.True(t, errors.Is(err, ErrSignatureTooLarge), "got %v", err)
}

func TestSign_Unsupported(t *testing.T) {
	cert := testCertificate(t, "Insignia Signer")

	_, err := Sign([]byte("not a pdf"), cert, Options{})
	assert.True(t, errors.Is(err, ErrUnsupportedPDF))

	truncated := blankPDF(t, 1)
	_, err = Sign(truncated[:len(truncated)/2], cert, Options{})
	assert.True(t, errors.Is(err, ErrUnsupportedPDF))

	_, err = SignPlaceholder(blankPDF(t, 1), cert)
	assert.True(t, errors.Is(err, ErrNoPlaceholder))
}

func TestPdfName(t *testing.T) {
	assert.Equal(t, "/Type", pdfName("Type"))
	assert.Equal(t, "/A#20B", pdfName("A B"))
	assert.Equal(t, "/x#2Fy#23", pdfName("x/y#"))
}

func TestLoadCertificate_PEM(t *testing.T) {
	cert := testCertificate(t, "Insignia Signer")

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)

	var bundle bytes.Buffer
	require.NoError(t, pem.Encode(&bundle, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate.Raw}))
	require.NoError(t, pem.Encode(&bundle, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))

	path := filepath.Join(t.TempDir(), "signer.pem")
	require.NoError(t, os.WriteFile(path, bundle.Bytes(), 0600))

	loaded, err := LoadCertificate(path, "")
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate.SerialNumber, loaded.Certificate.SerialNumber)

	signed, err := Sign(blankPDF(t, 1), loaded, Options{})
	require.NoError(t, err)
	_, err = Verify(signed)
	assert.NoError(t, err)
}

func TestLoadCertificate_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCertificate(filepath.Join(dir, "missing.p12"), "secret")
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.p12")
	require.NoError(t, os.WriteFile(garbage, []byte("not pkcs12"), 0600))
	_, err = LoadCertificate(garbage, "secret")
	assert.Error(t, err)

	certOnly := filepath.Join(dir, "cert.pem")
	cert := testCertificate(t, "Insignia Signer")
	require.NoError(t, os.WriteFile(certOnly, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate.Raw}), 0600))
	_, err = LoadCertificate(certOnly, "")
	assert.Error(t, err)
}
