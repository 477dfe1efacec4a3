package pdfsign

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/digitorus/pkcs7"
)

// Result describes a signature that passed both checks.
type Result struct {
	Certificate *x509.Certificate
	Digest      crypto.Hash
	SigningTime time.Time
	ByteRange   [4]int
}

var byteRangePattern = regexp.MustCompile(`(\d+)\s+(\d+)\s+(\d+)\s+(\d+)`)

// Verify checks the last signature embedded in pdf. The signature over the
// authenticated attributes must verify against the embedded certificate,
// and the attributes' message digest must match the bytes the ByteRange
// covers. Failures are reported as a *VerificationError.
func Verify(pdf []byte) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = notSigned("malformed signature: %v", r)
		}
	}()

	signed, envelope, byteRange, err := extractSignature(pdf)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(envelope)
	if err != nil {
		return nil, notSigned("failed to parse signature envelope: %v", err)
	}
	if len(p7.Signers) == 0 {
		return nil, notSigned("signature envelope has no signers")
	}
	signer := p7.Signers[0]

	cert := signerCertificate(p7)
	if cert == nil {
		return nil, notSigned("signature envelope carries no certificate")
	}

	digest, ok := digestHash(signer.DigestAlgorithm.Algorithm)
	if !ok {
		return nil, notSigned("unsupported digest algorithm %s", signer.DigestAlgorithm.Algorithm)
	}

	attrs := make([]attribute, 0, len(signer.AuthenticatedAttributes))
	var messageDigest []byte
	for _, a := range signer.AuthenticatedAttributes {
		attrs = append(attrs, attribute{Type: a.Type, Value: a.Value})
		if a.Type.Equal(pkcs7.OIDAttributeMessageDigest) {
			if _, err := asn1.Unmarshal(a.Value.Bytes, &messageDigest); err != nil {
				return nil, notSigned("bad message digest attribute: %v", err)
			}
		}
	}
	if len(attrs) == 0 || messageDigest == nil {
		return nil, notSigned("signature has no authenticated attributes")
	}

	set, err := marshalAttributes(attrs)
	if err != nil {
		return nil, notSigned("failed to encode authenticated attributes: %v", err)
	}

	algo, ok := signatureAlgorithm(cert.PublicKeyAlgorithm, digest)
	if !ok {
		return nil, notSigned("unsupported key type %s", cert.PublicKeyAlgorithm)
	}
	if err := cert.CheckSignature(algo, set, signer.EncryptedDigest); err != nil {
		return nil, &VerificationError{Kind: ErrForged, Err: err}
	}

	h := digest.New()
	h.Write(signed)
	if !bytes.Equal(h.Sum(nil), messageDigest) {
		return nil, &VerificationError{Kind: ErrTampered}
	}

	result = &Result{
		Certificate: cert,
		Digest:      digest,
		ByteRange:   byteRange,
	}
	for _, a := range signer.AuthenticatedAttributes {
		if a.Type.Equal(pkcs7.OIDAttributeSigningTime) {
			var t time.Time
			if _, err := asn1.Unmarshal(a.Value.Bytes, &t); err == nil {
				result.SigningTime = t
			}
		}
	}

	return result, nil
}

// extractSignature returns the bytes covered by the last /ByteRange and the
// DER envelope stored in the gap between its two spans.
func extractSignature(pdf []byte) ([]byte, []byte, [4]int, error) {
	var br [4]int

	pos := bytes.LastIndex(pdf, []byte("/ByteRange["))
	if pos < 0 {
		pos = bytes.LastIndex(pdf, []byte("/ByteRange ["))
	}
	if pos < 0 {
		return nil, nil, br, notSigned("no /ByteRange found")
	}

	end := bytes.IndexByte(pdf[pos:], ']')
	if end < 0 {
		return nil, nil, br, notSigned("unterminated /ByteRange")
	}

	m := byteRangePattern.FindSubmatch(pdf[pos : pos+end+1])
	if m == nil {
		return nil, nil, br, notSigned("malformed /ByteRange")
	}
	for i := range br {
		n, err := strconv.Atoi(string(m[i+1]))
		if err != nil {
			return nil, nil, br, notSigned("malformed /ByteRange: %v", err)
		}
		br[i] = n
	}

	start1, len1, start2, len2 := br[0], br[1], br[2], br[3]
	gapStart, gapEnd := start1+len1+1, start2-1
	if start1 < 0 || gapStart > gapEnd || start2+len2 > len(pdf) {
		return nil, nil, br, notSigned("/ByteRange %v outside document", br)
	}

	signed := make([]byte, 0, len1+len2)
	signed = append(signed, pdf[start1:start1+len1]...)
	signed = append(signed, pdf[start2:start2+len2]...)

	decoded, err := hex.DecodeString(string(bytes.TrimSpace(pdf[gapStart:gapEnd])))
	if err != nil {
		return nil, nil, br, notSigned("signature is not hex: %v", err)
	}

	envelope, err := trimPadding(decoded)
	if err != nil {
		return nil, nil, br, err
	}
	return signed, envelope, br, nil
}

// trimPadding drops the zero fill after the DER envelope.
func trimPadding(b []byte) ([]byte, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(b, &raw); err == nil {
		return raw.FullBytes, nil
	}

	trimmed := bytes.TrimRight(b, "\x00")
	if len(trimmed) == 0 {
		return nil, notSigned("signature placeholder is empty")
	}
	return trimmed, nil
}

func signerCertificate(p7 *pkcs7.PKCS7) *x509.Certificate {
	if len(p7.Certificates) == 0 {
		return nil
	}
	serial := p7.Signers[0].IssuerAndSerialNumber.SerialNumber
	if serial != nil {
		for _, c := range p7.Certificates {
			if c.SerialNumber != nil && c.SerialNumber.Cmp(serial) == 0 {
				return c
			}
		}
	}
	return p7.Certificates[len(p7.Certificates)-1]
}

// attribute mirrors the CMS Attribute so the authenticated attributes can be
// re-encoded as the DER SET that was actually signed.
type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

func marshalAttributes(attrs []attribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []attribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}

	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

func digestHash(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA1):
		return crypto.SHA1, true
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA256):
		return crypto.SHA256, true
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA384):
		return crypto.SHA384, true
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA512):
		return crypto.SHA512, true
	}
	return 0, false
}

func signatureAlgorithm(key x509.PublicKeyAlgorithm, digest crypto.Hash) (x509.SignatureAlgorithm, bool) {
	table := map[x509.PublicKeyAlgorithm]map[crypto.Hash]x509.SignatureAlgorithm{
		x509.RSA: {
			crypto.SHA1:   x509.SHA1WithRSA,
			crypto.SHA256: x509.SHA256WithRSA,
			crypto.SHA384: x509.SHA384WithRSA,
			crypto.SHA512: x509.SHA512WithRSA,
		},
		x509.ECDSA: {
			crypto.SHA1:   x509.ECDSAWithSHA1,
			crypto.SHA256: x509.ECDSAWithSHA256,
			crypto.SHA384: x509.ECDSAWithSHA384,
			crypto.SHA512: x509.ECDSAWithSHA512,
		},
	}
	algo, ok := table[key][digest]
	return algo, ok
}

// IsVerificationFailure reports whether err is a rejected signature rather
// than an I/O or programming error.
func IsVerificationFailure(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}
