package pdfsign

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSigned means no usable signature was found: the ByteRange is
	// absent or malformed, or the embedded envelope cannot be parsed.
	ErrNotSigned = errors.New("document carries no valid signature")
	// ErrTampered means the signed bytes no longer match the signed digest.
	ErrTampered = errors.New("document content does not match its signature")
	// ErrForged means the signature does not verify against the embedded
	// certificate.
	ErrForged = errors.New("signature authentication failed")

	ErrUnsupportedPDF    = errors.New("unsupported pdf structure")
	ErrPageOutOfRange    = errors.New("page index out of range")
	ErrNoPlaceholder     = errors.New("signature placeholder not found")
	ErrSignatureTooLarge = errors.New("signature does not fit placeholder")
)

// VerificationError reports why a signature was rejected. Kind is one of
// ErrNotSigned, ErrTampered or ErrForged.
type VerificationError struct {
	Kind error
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notSigned(format string, args ...interface{}) error {
	return &VerificationError{Kind: ErrNotSigned, Err: fmt.Errorf(format, args...)}
}
