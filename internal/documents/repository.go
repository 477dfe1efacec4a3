package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS signature_assets (
		id            TEXT PRIMARY KEY,
		signee_id     TEXT NOT NULL,
		signature_url TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id                  TEXT PRIMARY KEY,
		title               TEXT NOT NULL,
		owner_id            TEXT NOT NULL,
		blank_document_url  TEXT NOT NULL,
		signed_document_url TEXT,
		block               INTEGER,
		signed_file_hash    TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`ALTER TABLE documents ADD COLUMN IF NOT EXISTS notarization_claimed_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS documents_signed_file_hash_idx ON documents (signed_file_hash)`,
	`CREATE TABLE IF NOT EXISTS signatures (
		id                 TEXT PRIMARY KEY,
		document_id        TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		signee_id          TEXT NOT NULL,
		signature_asset_id TEXT REFERENCES signature_assets (id),
		page_index         INTEGER NOT NULL DEFAULT 0,
		x                  DOUBLE PRECISION NOT NULL,
		y                  DOUBLE PRECISION NOT NULL,
		width              DOUBLE PRECISION NOT NULL,
		height             DOUBLE PRECISION NOT NULL,
		is_signed          BOOLEAN NOT NULL DEFAULT false,
		signed_at          TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS signatures_document_id_idx ON signatures (document_id)`,
}

const documentColumns = `id, title, owner_id, blank_document_url, signed_document_url,
	block, signed_file_hash, created_at, updated_at`

const signatureQuery = `SELECT s.id, s.document_id, s.signee_id, s.signature_asset_id, a.signature_url,
	s.page_index, s.x, s.y, s.width, s.height, s.is_signed, s.signed_at
	FROM signatures s
	LEFT JOIN signature_assets a ON a.id = s.signature_asset_id
	WHERE s.document_id = $1
	ORDER BY s.page_index, s.id`

// ClaimTTL is how long a notarization claim holds before another caller
// may take it over.
const ClaimTTL = 10 * time.Minute

// Repository keeps documents, signature slots and signature assets in
// PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func Connect(ctx context.Context, connString string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return NewRepository(pool), nil
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

func (r *Repository) Close() {
	r.pool.Close()
}

func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) CreateAsset(ctx context.Context, signeeID, signatureURL string) (*SignatureAsset, error) {
	asset := &SignatureAsset{
		ID:           uuid.NewString(),
		SigneeID:     signeeID,
		SignatureURL: signatureURL,
	}

	err := r.pool.QueryRow(ctx,
		"INSERT INTO signature_assets (id, signee_id, signature_url) VALUES ($1, $2, $3) RETURNING created_at",
		asset.ID, asset.SigneeID, asset.SignatureURL,
	).Scan(&asset.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature asset: %w", err)
	}

	return asset, nil
}

func (r *Repository) ListAssets(ctx context.Context, signeeID string) ([]SignatureAsset, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, signee_id, signature_url, created_at FROM signature_assets WHERE signee_id = $1 ORDER BY created_at",
		signeeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signature assets: %w", err)
	}
	defer rows.Close()

	assets := make([]SignatureAsset, 0)
	for rows.Next() {
		var a SignatureAsset
		if err := rows.Scan(&a.ID, &a.SigneeID, &a.SignatureURL, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signature asset: %w", err)
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}

// CreateDocument stores a document together with its signature slots.
func (r *Repository) CreateDocument(ctx context.Context, nd NewDocument) (*Document, error) {
	if len(nd.Signatures) == 0 {
		return nil, ErrNoSignatures
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	doc := &Document{
		ID:               uuid.NewString(),
		Title:            nd.Title,
		OwnerID:          nd.OwnerID,
		BlankDocumentURL: nd.BlankDocumentURL,
		Signatures:       make([]Signature, 0, len(nd.Signatures)),
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO documents (id, title, owner_id, blank_document_url)
		VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`,
		doc.ID, doc.Title, doc.OwnerID, doc.BlankDocumentURL,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	for _, ns := range nd.Signatures {
		sig := Signature{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			SigneeID:   ns.SigneeID,
			PageIndex:  ns.PageIndex,
			X:          ns.X,
			Y:          ns.Y,
			Width:      ns.Width,
			Height:     ns.Height,
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO signatures (id, document_id, signee_id, page_index, x, y, width, height)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sig.ID, sig.DocumentID, sig.SigneeID, sig.PageIndex, sig.X, sig.Y, sig.Width, sig.Height,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert signature: %w", err)
		}
		doc.Signatures = append(doc.Signatures, sig)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit document: %w", err)
	}

	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Title, &d.OwnerID, &d.BlankDocumentURL, &d.SignedDocumentURL,
		&d.Block, &d.SignedFileHash, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) loadSignatures(ctx context.Context, doc *Document) error {
	rows, err := r.pool.Query(ctx, signatureQuery, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	doc.Signatures = make([]Signature, 0)
	for rows.Next() {
		var s Signature
		if err := rows.Scan(&s.ID, &s.DocumentID, &s.SigneeID, &s.SignatureAssetID, &s.SignatureURL,
			&s.PageIndex, &s.X, &s.Y, &s.Width, &s.Height, &s.IsSigned, &s.SignedAt); err != nil {
			return fmt.Errorf("failed to scan signature: %w", err)
		}
		doc.Signatures = append(doc.Signatures, s)
	}

	return rows.Err()
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := scanDocument(r.pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}

	if err := r.loadSignatures(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FindBySignedFileHash returns the document whose signed file hashes to
// fileHash.
func (r *Repository) FindBySignedFileHash(ctx context.Context, fileHash string) (*Document, error) {
	doc, err := scanDocument(r.pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE signed_file_hash = $1 ORDER BY created_at LIMIT 1",
		fileHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no document with hash %s", ErrNotFound, fileHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}

	if err := r.loadSignatures(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListByUser returns documents owned by userID or waiting on one of its
// signatures, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents d
		WHERE d.owner_id = $1
		   OR EXISTS (SELECT 1 FROM signatures s WHERE s.document_id = d.id AND s.signee_id = $1)
		ORDER BY d.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, err
	}

	for i := range docs {
		if err := r.loadSignatures(ctx, &docs[i]); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// SubmitSignatures completes the given slots of documentID in one
// transaction. Each slot must belong to the document and to its signee, and
// each asset must belong to the same signee. A slot is signed once:
// resubmitting it fails with ErrAlreadySigned.
func (r *Repository) SubmitSignatures(ctx context.Context, documentID string, subs []Submission) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	signedAt := r.now().UTC()
	for _, sub := range subs {
		var owner string
		err := tx.QueryRow(ctx,
			"SELECT signee_id FROM signature_assets WHERE id = $1", sub.SignatureAssetID,
		).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != sub.SigneeID) {
			return fmt.Errorf("%w: %s", ErrAssetNotFound, sub.SignatureAssetID)
		}
		if err != nil {
			return fmt.Errorf("failed to read signature asset: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE signatures
			SET signature_asset_id = $1, page_index = $2, x = $3, y = $4, width = $5, height = $6,
			    is_signed = true, signed_at = $7
			WHERE id = $8 AND document_id = $9 AND signee_id = $10 AND is_signed = false`,
			sub.SignatureAssetID, sub.PageIndex, sub.X, sub.Y, sub.Width, sub.Height,
			signedAt, sub.ID, documentID, sub.SigneeID,
		)
		if err != nil {
			return fmt.Errorf("failed to update signature %s: %w", sub.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var signed bool
			err := tx.QueryRow(ctx,
				"SELECT is_signed FROM signatures WHERE id = $1 AND document_id = $2 AND signee_id = $3",
				sub.ID, documentID, sub.SigneeID,
			).Scan(&signed)
			if err == nil && signed {
				return fmt.Errorf("%w: %s", ErrAlreadySigned, sub.ID)
			}
			return fmt.Errorf("%w: %s on document %s", ErrSignatureNotFound, sub.ID, documentID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit signatures: %w", err)
	}
	return nil
}

// ClaimNotarization marks id as being notarized. Only a document without a
// signed file can be claimed, and only by one caller at a time; a claim
// older than ClaimTTL is considered abandoned.
func (r *Repository) ClaimNotarization(ctx context.Context, id string) error {
	now := r.now().UTC()
	var claimed string
	err := r.pool.QueryRow(ctx,
		`UPDATE documents SET notarization_claimed_at = $1
		WHERE id = $2 AND signed_document_url IS NULL
		  AND (notarization_claimed_at IS NULL OR notarization_claimed_at < $3)
		RETURNING id`,
		now, id, now.Add(-ClaimTTL),
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotarizationClaimed, id)
	}
	if err != nil {
		return fmt.Errorf("failed to claim document %s: %w", id, err)
	}
	return nil
}

// ReleaseNotarization drops a claim whose notarization stopped before a
// signed file was recorded.
func (r *Repository) ReleaseNotarization(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE documents SET notarization_claimed_at = NULL WHERE id = $1 AND signed_document_url IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to release document %s: %w", id, err)
	}
	return nil
}

// UpdateSigned records the signed file of a document whose hash could not
// be notarized yet. An existing signed file is never replaced.
func (r *Repository) UpdateSigned(ctx context.Context, id, signedURL string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE documents SET signed_document_url = $1, notarization_claimed_at = NULL, updated_at = $2
		WHERE id = $3 AND signed_document_url IS NULL`,
		signedURL, r.now().UTC(), id,
	)
	return checkUpdate(tag, err, id)
}

// UpdateNotarized records the ledger entry of a document. It only applies
// to a document that is not notarized yet and whose signed file, if any, is
// signedURL.
func (r *Repository) UpdateNotarized(ctx context.Context, id, signedURL string, block int, fileHash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE documents
		SET signed_document_url = $1, block = $2, signed_file_hash = $3,
		    notarization_claimed_at = NULL, updated_at = $4
		WHERE id = $5 AND signed_file_hash IS NULL
		  AND (signed_document_url IS NULL OR signed_document_url = $1)`,
		signedURL, block, fileHash, r.now().UTC(), id,
	)
	return checkUpdate(tag, err, id)
}

func checkUpdate(tag pgconn.CommandTag, err error, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s missing or already signed", ErrNotFound, id)
	}
	return nil
}

// ListAwaitingNotarization returns signed documents whose hash never reached
// the ledger, oldest first.
func (r *Repository) ListAwaitingNotarization(ctx context.Context, limit int) ([]Document, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		WHERE signed_document_url IS NOT NULL AND (block IS NULL OR signed_file_hash IS NULL)
		ORDER BY updated_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unnotarized documents: %w", err)
	}
	return collectDocuments(rows)
}
