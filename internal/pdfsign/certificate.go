package pdfsign

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// Certificate is the signing identity embedded into every signature.
type Certificate struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// LoadCertificate reads a signing identity from a PKCS#12 bundle (.p12,
// .pfx) or from a PEM file holding both the certificate and its key.
func LoadCertificate(path, password string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pem", ".crt":
		return ParsePEM(data)
	default:
		return ParsePKCS12(data, password)
	}
}

func ParsePKCS12(data []byte, password string) (*Certificate, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pkcs12: %w", err)
	}
	return newCertificate(cert, key)
}

func ParsePEM(data []byte) (*Certificate, error) {
	var (
		cert *x509.Certificate
		key  interface{}
	)

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		var err error
		switch block.Type {
		case "CERTIFICATE":
			if cert == nil {
				cert, err = x509.ParseCertificate(block.Bytes)
			}
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", strings.ToLower(block.Type), err)
		}
	}

	if cert == nil {
		return nil, errors.New("no certificate in pem data")
	}
	if key == nil {
		return nil, errors.New("no private key in pem data")
	}
	return newCertificate(cert, key)
}

func newCertificate(cert *x509.Certificate, key interface{}) (*Certificate, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return &Certificate{Certificate: cert, PrivateKey: signer}, nil
}
