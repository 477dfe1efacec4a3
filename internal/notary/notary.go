package notary

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/blob"
	"github.com/insignia/insignia/internal/documents"
	"github.com/insignia/insignia/internal/hash"
	"github.com/insignia/insignia/internal/ledger"
	"github.com/insignia/insignia/internal/network"
	"github.com/insignia/insignia/internal/pdfsign"
	"github.com/insignia/insignia/internal/render"
)

const (
	SignedFolder       = "signed-documents"
	DefaultRetryBatch  = 50
	unreachableMessage = "ledger unreachable, notarization could not be confirmed"
)

var (
	// ErrNotNotarized means the document was signed and stored but its hash
	// is not on the ledger yet. A retry job picks it up later.
	ErrNotNotarized        = errors.New("document signed but not notarized")
	ErrDocumentNotFound    = errors.New("document not found in records")
	ErrIncompleteSignature = errors.New("document still has pending signatures")
	ErrNotOwner            = errors.New("signature belongs to another signee")
	ErrNoSignatures        = errors.New("no signatures submitted")
)

type Repository interface {
	GetDocument(ctx context.Context, id string) (*documents.Document, error)
	FindBySignedFileHash(ctx context.Context, fileHash string) (*documents.Document, error)
	SubmitSignatures(ctx context.Context, documentID string, subs []documents.Submission) error
	ClaimNotarization(ctx context.Context, id string) error
	ReleaseNotarization(ctx context.Context, id string) error
	UpdateSigned(ctx context.Context, id, signedURL string) error
	UpdateNotarized(ctx context.Context, id, signedURL string, block int, fileHash string) error
	ListAwaitingNotarization(ctx context.Context, limit int) ([]documents.Document, error)
}

// Ledger is the client side of a ledger node.
type Ledger interface {
	BroadcastTransaction(ctx context.Context, peer, fileHash string) (int, error)
	VerifyTransaction(ctx context.Context, peer string, index int, fileHash string) (*network.VerifyResponse, error)
}

type Alerter interface {
	SendNotarizationFailedAlert(documentID, signedURL, details string) error
}

type Config struct {
	Repository  Repository
	Blobs       blob.Store
	Ledger      Ledger
	OriginNode  string
	Certificate *pdfsign.Certificate
	SignOptions pdfsign.Options
	// Canvas is the coordinate space of submitted signature positions.
	Canvas      render.Canvas
	Alerts      Alerter
	Logger      *zap.Logger
	RetryBatch  int
}

// Service turns fully signed documents into notarized ones and checks
// uploaded files against the records.
type Service struct {
	repo     Repository
	blobs    blob.Store
	ledger   Ledger
	origin   string
	cert     *pdfsign.Certificate
	signOpts pdfsign.Options
	canvas   render.Canvas
	alerts   Alerter
	logger   *zap.Logger
	batch    int
	now      func() time.Time
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.RetryBatch
	if batch <= 0 {
		batch = DefaultRetryBatch
	}

	return &Service{
		repo:     cfg.Repository,
		blobs:    cfg.Blobs,
		ledger:   cfg.Ledger,
		origin:   cfg.OriginNode,
		cert:     cfg.Certificate,
		signOpts: cfg.SignOptions,
		canvas:   cfg.Canvas,
		alerts:   cfg.Alerts,
		logger:   logger,
		batch:    batch,
		now:      time.Now,
	}
}

type SubmitResult struct {
	Document *documents.Document `json:"document"`
	Complete bool                `json:"complete"`
	Pending  int                 `json:"pending"`
}

// SubmitSignatures records the signee's signatures on documentID. Once the
// last slot is filled the document is notarized in the same call. An
// ErrNotNotarized or documents.ErrNotarizationClaimed error then comes with
// a non-nil result.
func (s *Service) SubmitSignatures(ctx context.Context, documentID, signeeID string, subs []documents.Submission) (*SubmitResult, error) {
	if len(subs) == 0 {
		return nil, ErrNoSignatures
	}
	for _, sub := range subs {
		if sub.SigneeID != signeeID {
			return nil, fmt.Errorf("%w: %s", ErrNotOwner, sub.ID)
		}
	}

	if err := s.repo.SubmitSignatures(ctx, documentID, subs); err != nil {
		return nil, err
	}

	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Document: doc, Pending: doc.PendingSignatures()}
	if !doc.AllSigned() {
		return result, nil
	}

	result.Complete = true
	notarized, err := s.notarize(ctx, doc)
	if notarized != nil {
		result.Document = notarized
	}
	if err != nil {
		if errors.Is(err, ErrNotNotarized) || errors.Is(err, documents.ErrNotarizationClaimed) {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

// Notarize renders, signs, stores and notarizes a fully signed document.
func (s *Service) Notarize(ctx context.Context, documentID string) (*documents.Document, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.notarize(ctx, doc)
}

// notarize holds the document's notarization claim until the signed file is
// recorded, so concurrent callers never produce a second signed file.
func (s *Service) notarize(ctx context.Context, doc *documents.Document) (*documents.Document, error) {
	if !doc.AllSigned() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncompleteSignature, doc.PendingSignatures(), len(doc.Signatures))
	}

	if err := s.repo.ClaimNotarization(ctx, doc.ID); err != nil {
		return nil, err
	}
	recorded := false
	defer func() {
		if recorded {
			return
		}
		if rerr := s.repo.ReleaseNotarization(context.WithoutCancel(ctx), doc.ID); rerr != nil {
			s.logger.Warn("failed to release notarization claim", zap.String("document", doc.ID), zap.Error(rerr))
		}
	}()

	blankName, blank, err := s.blobs.Download(ctx, doc.BlankDocumentURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download blank document: %w", err)
	}

	placements, err := s.placements(ctx, doc.Signatures)
	if err != nil {
		return nil, err
	}

	stamped, err := render.Stamp(blank, placements, s.canvas)
	if err != nil {
		return nil, fmt.Errorf("failed to draw signatures: %w", err)
	}

	opts := s.signOpts
	opts.SigningTime = s.now()
	signed, err := pdfsign.Sign(stamped, s.cert, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}

	name := fmt.Sprintf("signed_%s_%s", uuid.NewString(), path.Base(blankName))
	signedURL, err := s.blobs.Save(ctx, name, signed, SignedFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to store signed document: %w", err)
	}

	fileHash := hash.Digest(signed)
	block, err := s.ledger.BroadcastTransaction(ctx, s.origin, fileHash)
	if err != nil {
		kept, kerr := s.keepSigned(ctx, doc, signedURL, err)
		recorded = kept != nil
		return kept, kerr
	}

	if err := s.repo.UpdateNotarized(ctx, doc.ID, signedURL, block, fileHash); err != nil {
		kept, kerr := s.keepSigned(ctx, doc, signedURL, fmt.Errorf("failed to record notarization: %w", err))
		recorded = kept != nil
		return kept, kerr
	}
	recorded = true

	doc.SignedDocumentURL = &signedURL
	doc.Block = &block
	doc.SignedFileHash = &fileHash

	s.logger.Info("document notarized",
		zap.String("document", doc.ID),
		zap.Int("block", block),
		zap.String("file_hash", fileHash),
	)

	return doc, nil
}

// keepSigned records the stored signed file of a document whose
// notarization did not complete, so the file is never orphaned.
func (s *Service) keepSigned(ctx context.Context, doc *documents.Document, signedURL string, cause error) (*documents.Document, error) {
	s.logger.Warn("notarization not recorded",
		zap.String("document", doc.ID),
		zap.String("signed_url", signedURL),
		zap.Error(cause),
	)

	if err := s.repo.UpdateSigned(ctx, doc.ID, signedURL); err != nil {
		return nil, fmt.Errorf("failed to record signed document after ledger failure (%v): %w", cause, err)
	}
	doc.SignedDocumentURL = &signedURL

	if s.alerts != nil {
		if err := s.alerts.SendNotarizationFailedAlert(doc.ID, signedURL, cause.Error()); err != nil {
			s.logger.Warn("failed to send alert", zap.Error(err))
		}
	}

	return doc, fmt.Errorf("%w: %v", ErrNotNotarized, cause)
}

func (s *Service) placements(ctx context.Context, sigs []documents.Signature) ([]render.Placement, error) {
	placements := make([]render.Placement, 0, len(sigs))
	for _, sig := range sigs {
		if sig.SignatureURL == nil {
			return nil, fmt.Errorf("%w: signature %s has no image", ErrIncompleteSignature, sig.ID)
		}
		_, img, err := s.blobs.Download(ctx, *sig.SignatureURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download signature %s: %w", sig.ID, err)
		}
		placements = append(placements, render.Placement{
			Page:   sig.PageIndex,
			X:      sig.X,
			Y:      sig.Y,
			Width:  sig.Width,
			Height: sig.Height,
			Image:  img,
		})
	}
	return placements, nil
}

// RetryPending re-submits the hashes of signed documents that never reached
// the ledger. It stops at the first ledger failure since the remaining
// documents would fail the same way.
func (s *Service) RetryPending(ctx context.Context) (int, error) {
	docs, err := s.repo.ListAwaitingNotarization(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, doc := range docs {
		if doc.SignedDocumentURL == nil {
			continue
		}
		signedURL := *doc.SignedDocumentURL

		_, signed, err := s.blobs.Download(ctx, signedURL)
		if err != nil {
			s.logger.Warn("signed document unavailable",
				zap.String("document", doc.ID),
				zap.String("signed_url", signedURL),
				zap.Error(err),
			)
			continue
		}

		fileHash := hash.Digest(signed)
		block, err := s.ledger.BroadcastTransaction(ctx, s.origin, fileHash)
		if err != nil {
			return done, fmt.Errorf("%w: %v", ErrNotNotarized, err)
		}

		if err := s.repo.UpdateNotarized(ctx, doc.ID, signedURL, block, fileHash); err != nil {
			return done, fmt.Errorf("failed to record notarization: %w", err)
		}
		done++

		s.logger.Info("document notarized on retry",
			zap.String("document", doc.ID),
			zap.Int("block", block),
		)
	}

	return done, nil
}

// Verification is the outcome of checking an uploaded file. Valid requires
// an authentic embedded signature and a ledger entry for the file's hash.
type Verification struct {
	Valid     bool                `json:"valid"`
	Message   string              `json:"message,omitempty"`
	FileHash  string              `json:"fileHash"`
	Signer    string              `json:"signer,omitempty"`
	SignedAt  *time.Time          `json:"signedAt,omitempty"`
	Authentic bool                `json:"authentic"`
	OnLedger  bool                `json:"onLedger"`
	Document  *documents.Document `json:"document,omitempty"`
}

// Verify looks the upload up by hash, checks its embedded signature and
// then asks the ledger whether the hash sits in the recorded block. When the
// ledger cannot be reached the signature verdict stands alone and Message
// says so.
func (s *Service) Verify(ctx context.Context, pdf []byte) (*Verification, error) {
	fileHash := hash.Digest(pdf)

	doc, err := s.repo.FindBySignedFileHash(ctx, fileHash)
	if errors.Is(err, documents.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	if doc.Block == nil {
		return nil, ErrDocumentNotFound
	}

	v := &Verification{FileHash: fileHash, Document: doc}

	result, err := pdfsign.Verify(pdf)
	if err != nil {
		v.Message = err.Error()
		return v, nil
	}
	v.Authentic = true
	v.Signer = result.Certificate.Subject.CommonName
	if !result.SigningTime.IsZero() {
		signedAt := result.SigningTime
		v.SignedAt = &signedAt
	}

	resp, err := s.ledger.VerifyTransaction(ctx, s.origin, *doc.Block, fileHash)
	switch {
	case errors.Is(err, ledger.ErrBlockNotFound):
		v.Message = fmt.Sprintf("block %d not found on the ledger", *doc.Block)
		return v, nil
	case err != nil:
		s.logger.Warn("ledger verification failed", zap.String("document", doc.ID), zap.Error(err))
		v.Valid = v.Authentic
		v.Message = unreachableMessage
		return v, nil
	}

	v.OnLedger = resp.Valid
	v.Valid = v.Authentic && v.OnLedger
	if !resp.Valid {
		v.Message = fmt.Sprintf("hash not recorded in block %d", *doc.Block)
	}

	return v, nil
}
