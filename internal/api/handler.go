package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/blob"
	"github.com/insignia/insignia/internal/documents"
	"github.com/insignia/insignia/internal/notary"
	"github.com/insignia/insignia/internal/render"
)

const (
	UserHeader     = "X-User-ID"
	MaxUploadBytes = 32 << 20

	DocumentsFolder  = "documents"
	SignaturesFolder = "signatures"
)

type Notary interface {
	SubmitSignatures(ctx context.Context, documentID, signeeID string, subs []documents.Submission) (*notary.SubmitResult, error)
	Verify(ctx context.Context, pdf []byte) (*notary.Verification, error)
}

type Documents interface {
	CreateDocument(ctx context.Context, nd documents.NewDocument) (*documents.Document, error)
	GetDocument(ctx context.Context, id string) (*documents.Document, error)
	ListByUser(ctx context.Context, userID string) ([]documents.Document, error)
	CreateAsset(ctx context.Context, signeeID, signatureURL string) (*documents.SignatureAsset, error)
	ListAssets(ctx context.Context, signeeID string) ([]documents.SignatureAsset, error)
}

type Handler struct {
	notary    Notary
	documents Documents
	blobs     blob.Store
	logger    *zap.Logger
}

func NewHandler(n Notary, docs Documents, blobs blob.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{notary: n, documents: docs, blobs: blobs, logger: logger}
}

// RegisterRoutes mounts the document API. Verification is public; every
// other route needs the caller's id in the X-User-ID header.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/documents/verify", h.Verify)

	authed := rg.Group("", requireUser)
	{
		authed.POST("/documents", h.CreateDocument)
		authed.GET("/documents", h.ListDocuments)
		authed.POST("/documents/upload", h.UploadDocument)
		authed.GET("/documents/:id", h.GetDocument)
		authed.POST("/documents/:id/signatures", h.SubmitSignatures)
		authed.POST("/signatures/assets", h.UploadAsset)
		authed.GET("/signatures/assets", h.ListAssets)
	}
}

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = MaxUploadBytes
	h.RegisterRoutes(&r.RouterGroup)
	return r
}

func requireUser(c *gin.Context) {
	if strings.TrimSpace(c.GetHeader(UserHeader)) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identification"})
		return
	}
	c.Next()
}

func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(UserHeader))
}

func (h *Handler) CreateDocument(c *gin.Context) {
	var req documents.NewDocument
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document form"})
		return
	}
	req.OwnerID = userID(c)

	doc, err := h.documents.CreateDocument(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "document created", "documentId": doc.ID})
}

func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.documents.ListByUser(c.Request.Context(), userID(c))
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.documents.GetDocument(c.Request.Context(), c.Param("id"))
	if errors.Is(err, documents.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get document"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func readUpload(c *gin.Context, field string) (string, []byte, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("%s file is required", field)
	}
	if file.Size > MaxUploadBytes {
		return "", nil, fmt.Errorf("%s file is too large", field)
	}
	data, err := readFile(file)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(file.Filename), data, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	return io.ReadAll(io.LimitReader(f, MaxUploadBytes))
}

// UploadDocument stores a blank PDF and returns the URL to reference when
// creating the document.
func (h *Handler) UploadDocument(c *gin.Context) {
	name, data, err := readUpload(c, "document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pages, err := render.PageCount(data)
	if err != nil || pages == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document must be a readable PDF"})
		return
	}

	fileName := fmt.Sprintf("%s_%s", uuid.NewString(), name)
	url, err := h.blobs.Save(c.Request.Context(), fileName, data, DocumentsFolder)
	if err != nil {
		h.logger.Error("failed to store document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"fileName": fileName, "storageUrl": url, "pages": pages})
}

func (h *Handler) UploadAsset(c *gin.Context) {
	name, data, err := readUpload(c, "signature")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".png" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be a PNG image"})
		return
	}

	fileName := fmt.Sprintf("signature_%s%s", uuid.NewString(), ext)
	url, err := h.blobs.Save(c.Request.Context(), fileName, data, SignaturesFolder)
	if err != nil {
		h.logger.Error("failed to store signature", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store signature"})
		return
	}

	asset, err := h.documents.CreateAsset(c.Request.Context(), userID(c), url)
	if err != nil {
		h.logger.Error("failed to create signature asset", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create signature asset"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"signatureAsset": asset})
}

func (h *Handler) ListAssets(c *gin.Context) {
	assets, err := h.documents.ListAssets(c.Request.Context(), userID(c))
	if err != nil {
		h.logger.Error("failed to list signature assets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list signature assets"})
		return
	}
	c.JSON(http.StatusOK, assets)
}

// SubmitSignatures completes the caller's signature slots. The response is
// 201 once the document is notarized, 202 when it was signed but the ledger
// could not take its hash, and 200 while other signatures are missing.
func (h *Handler) SubmitSignatures(c *gin.Context) {
	var subs []documents.Submission
	if err := c.ShouldBindJSON(&subs); err != nil || len(subs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature form"})
		return
	}

	documentID := c.Param("id")
	res, err := h.notary.SubmitSignatures(c.Request.Context(), documentID, userID(c), subs)
	switch {
	case errors.Is(err, notary.ErrNotNotarized):
		c.JSON(http.StatusAccepted, gin.H{
			"message":  "document signed but not yet notarized on the ledger",
			"document": res.Document,
		})
		return
	case errors.Is(err, documents.ErrNotarizationClaimed):
		c.JSON(http.StatusAccepted, gin.H{
			"message":  "signature recorded, document is being notarized",
			"document": res.Document,
		})
		return
	case errors.Is(err, documents.ErrAlreadySigned):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, notary.ErrNotOwner):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user may not submit this signature"})
		return
	case errors.Is(err, documents.ErrNotFound), errors.Is(err, documents.ErrSignatureNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, documents.ErrAssetNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("failed to submit signatures", zap.String("document", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign document"})
		return
	}

	if !res.Complete {
		c.JSON(http.StatusOK, gin.H{"message": "signature recorded", "pending": res.Pending})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "document signed", "document": res.Document})
}

// Verify checks an uploaded signed PDF. Unknown files are a normal outcome
// and answer 200 with valid=false.
func (h *Handler) Verify(c *gin.Context) {
	_, data, err := readUpload(c, "document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := h.notary.Verify(c.Request.Context(), data)
	if errors.Is(err, notary.ErrDocumentNotFound) {
		c.JSON(http.StatusOK, gin.H{"valid": false, "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify document"})
		return
	}

	c.JSON(http.StatusOK, v)
}
