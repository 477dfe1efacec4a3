package documents

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrSignatureNotFound = errors.New("signature not found")
	ErrAssetNotFound     = errors.New("signature asset not found")
	ErrNoSignatures      = errors.New("document needs at least one signature")
	ErrAlreadySigned     = errors.New("signature already submitted")
	// ErrNotarizationClaimed means another caller is notarizing the
	// document or already produced its signed file.
	ErrNotarizationClaimed = errors.New("document already signed or being notarized")
)

// Document is a PDF collecting signatures. The signed and notarization
// fields stay nil until the notary fills them.
type Document struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	OwnerID           string      `json:"ownerId"`
	BlankDocumentURL  string      `json:"blankDocumentUrl"`
	SignedDocumentURL *string     `json:"signedDocumentUrl"`
	Block             *int        `json:"block"`
	SignedFileHash    *string     `json:"signedFileHash"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	Signatures        []Signature `json:"signatures"`
}

// AllSigned reports whether every requested signature was submitted. A
// document without signature slots is never complete.
func (d *Document) AllSigned() bool {
	if len(d.Signatures) == 0 {
		return false
	}
	for _, s := range d.Signatures {
		if !s.IsSigned {
			return false
		}
	}
	return true
}

func (d *Document) PendingSignatures() int {
	n := 0
	for _, s := range d.Signatures {
		if !s.IsSigned {
			n++
		}
	}
	return n
}

func (d *Document) Notarized() bool {
	return d.Block != nil && d.SignedFileHash != nil
}

// Signature is one signee's slot on a document: where the image goes and
// whether it was provided. Coordinates are measured from the top-left of
// the page, in web editor units or points depending on signing.coordinates.
type Signature struct {
	ID               string     `json:"id"`
	DocumentID       string     `json:"documentId"`
	SigneeID         string     `json:"signeeId"`
	SignatureAssetID *string    `json:"signatureAssetId"`
	SignatureURL     *string    `json:"signatureUrl,omitempty"`
	PageIndex        int        `json:"pageIndex"`
	X                float64    `json:"x"`
	Y                float64    `json:"y"`
	Width            float64    `json:"width"`
	Height           float64    `json:"height"`
	IsSigned         bool       `json:"isSigned"`
	SignedAt         *time.Time `json:"signedAt"`
}

// SignatureAsset is a stored signature image owned by a signee.
type SignatureAsset struct {
	ID           string    `json:"id"`
	SigneeID     string    `json:"signeeId"`
	SignatureURL string    `json:"signatureUrl"`
	CreatedAt    time.Time `json:"createdAt"`
}

type NewDocument struct {
	Title            string         `json:"title" binding:"required"`
	OwnerID          string         `json:"ownerId"`
	BlankDocumentURL string         `json:"documentUrl" binding:"required"`
	Signatures       []NewSignature `json:"signatures" binding:"required,min=1,dive"`
}

type NewSignature struct {
	SigneeID  string  `json:"signeeId" binding:"required"`
	PageIndex int     `json:"pageIndex" binding:"min=0"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width" binding:"gt=0"`
	Height    float64 `json:"height" binding:"gt=0"`
}

// Submission completes one signature slot with a signee's asset and the
// final placement chosen while signing.
type Submission struct {
	ID               string  `json:"id" binding:"required"`
	SigneeID         string  `json:"signeeId" binding:"required"`
	SignatureAssetID string  `json:"signatureAssetId" binding:"required"`
	PageIndex        int     `json:"pageIndex" binding:"min=0"`
	X                float64 `json:"x" binding:"gte=0"`
	Y                float64 `json:"y" binding:"gte=0"`
	Width            float64 `json:"width" binding:"gt=0"`
	Height           float64 `json:"height" binding:"gt=0"`
}
