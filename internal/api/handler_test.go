package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insignia/insignia/internal/blob"
	"github.com/insignia/insignia/internal/documents"
	"github.com/insignia/insignia/internal/notary"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeNotary struct {
	submitResult *notary.SubmitResult
	submitErr    error
	gotSignee    string
	gotSubs      []documents.Submission

	verification *notary.Verification
	verifyErr    error
	verified     []byte
}

func (n *fakeNotary) SubmitSignatures(_ context.Context, _ string, signeeID string, subs []documents.Submission) (*notary.SubmitResult, error) {
	n.gotSignee = signeeID
	n.gotSubs = subs
	return n.submitResult, n.submitErr
}

func (n *fakeNotary) Verify(_ context.Context, pdf []byte) (*notary.Verification, error) {
	n.verified = pdf
	return n.verification, n.verifyErr
}

type fakeDocuments struct {
	created []documents.NewDocument
	assets  []documents.SignatureAsset
	docs    map[string]*documents.Document
}

func (d *fakeDocuments) CreateDocument(_ context.Context, nd documents.NewDocument) (*documents.Document, error) {
	d.created = append(d.created, nd)
	return &documents.Document{ID: "doc-1", Title: nd.Title, OwnerID: nd.OwnerID}, nil
}

func (d *fakeDocuments) GetDocument(_ context.Context, id string) (*documents.Document, error) {
	if doc, ok := d.docs[id]; ok {
		return doc, nil
	}
	return nil, documents.ErrNotFound
}

func (d *fakeDocuments) ListByUser(_ context.Context, userID string) ([]documents.Document, error) {
	var out []documents.Document
	for _, doc := range d.docs {
		if doc.OwnerID == userID {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (d *fakeDocuments) CreateAsset(_ context.Context, signeeID, url string) (*documents.SignatureAsset, error) {
	asset := documents.SignatureAsset{ID: "asset-1", SigneeID: signeeID, SignatureURL: url}
	d.assets = append(d.assets, asset)
	return &asset, nil
}

func (d *fakeDocuments) ListAssets(_ context.Context, signeeID string) ([]documents.SignatureAsset, error) {
	return d.assets, nil
}

type fixture struct {
	router *gin.Engine
	notary *fakeNotary
	docs   *fakeDocuments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		notary: &fakeNotary{},
		docs:   &fakeDocuments{docs: map[string]*documents.Document{}},
	}
	f.router = NewRouter(NewHandler(f.notary, f.docs, blobs, nil))
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path, user string, body interface{}) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	return req
}

func uploadRequest(t *testing.T, path, field, filename string, data []byte, user string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRequireUser(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateDocument(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, jsonRequest(t, http.MethodPost, "/documents", "alice", map[string]interface{}{
		"title":       "Lease",
		"documentUrl": "uploads/documents/lease.pdf",
		"signatures": []map[string]interface{}{
			{"signeeId": "bob", "pageIndex": 0, "x": 10, "y": 20, "width": 100, "height": 30},
		},
	}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "doc-1", decode(t, w)["documentId"])
	require.Len(t, f.docs.created, 1)
	assert.Equal(t, "alice", f.docs.created[0].OwnerID)
}

func TestCreateDocument_Invalid(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, jsonRequest(t, http.MethodPost, "/documents", "alice", map[string]interface{}{
		"title":       "Lease",
		"documentUrl": "uploads/documents/lease.pdf",
		"signatures":  []map[string]interface{}{},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDocument(t *testing.T) {
	f := newFixture(t)
	f.docs.docs["doc-9"] = &documents.Document{ID: "doc-9", OwnerID: "alice"}

	w := f.do(t, jsonRequest(t, http.MethodGet, "/documents/doc-9", "alice", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, jsonRequest(t, http.MethodGet, "/documents/missing", "alice", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadDocument(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, uploadRequest(t, "/documents/upload", "document", "lease.pdf", twoPagePDF(t), "alice"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Contains(t, body["fileName"], "lease.pdf")
	assert.NotEmpty(t, body["storageUrl"])
	assert.EqualValues(t, 2, body["pages"])

	w = f.do(t, uploadRequest(t, "/documents/upload", "document", "lease.pdf", []byte("%PDF-1.4"), "alice"))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func twoPagePDF(t *testing.T) []byte {
	t.Helper()

	pdf := gofpdf.New("P", "pt", "A4", "")
	for i := 0; i < 2; i++ {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "", 12)
		pdf.Cell(100, 20, "Lease")
	}

	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func TestUploadAsset(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, uploadRequest(t, "/signatures/assets", "signature", "me.png", []byte{0x89, 'P', 'N', 'G'}, "bob"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, f.docs.assets, 1)
	assert.Equal(t, "bob", f.docs.assets[0].SigneeID)

	w = f.do(t, uploadRequest(t, "/signatures/assets", "signature", "me.gif", []byte("GIF89a"), "bob"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitSignatures(t *testing.T) {
	subs := []documents.Submission{{ID: "sig-1", SigneeID: "bob", SignatureAssetID: "asset-1", Width: 100, Height: 30}}

	tests := []struct {
		name   string
		result *notary.SubmitResult
		err    error
		status int
	}{
		{"partial", &notary.SubmitResult{Pending: 1}, nil, http.StatusOK},
		{"notarized", &notary.SubmitResult{Complete: true, Document: &documents.Document{ID: "doc-1"}}, nil, http.StatusCreated},
		{"ledger down", &notary.SubmitResult{Complete: true, Document: &documents.Document{ID: "doc-1"}}, notary.ErrNotNotarized, http.StatusAccepted},
		{"being notarized", &notary.SubmitResult{Complete: true, Document: &documents.Document{ID: "doc-1"}}, documents.ErrNotarizationClaimed, http.StatusAccepted},
		{"already signed", nil, documents.ErrAlreadySigned, http.StatusConflict},
		{"not owner", nil, notary.ErrNotOwner, http.StatusUnauthorized},
		{"unknown slot", nil, documents.ErrSignatureNotFound, http.StatusNotFound},
		{"foreign asset", nil, documents.ErrAssetNotFound, http.StatusBadRequest},
		{"failure", nil, errors.New("render failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.notary.submitResult = tt.result
			f.notary.submitErr = tt.err

			w := f.do(t, jsonRequest(t, http.MethodPost, "/documents/doc-1/signatures", "bob", subs))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, "bob", f.notary.gotSignee)
			require.Len(t, f.notary.gotSubs, 1)
		})
	}
}

func TestSubmitSignatures_BadBody(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, jsonRequest(t, http.MethodPost, "/documents/doc-1/signatures", "bob", []documents.Submission{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, jsonRequest(t, http.MethodPost, "/documents/doc-1/signatures", "bob",
		[]map[string]interface{}{{"id": "sig-1", "signeeId": "bob", "signatureAssetId": "a", "width": 0, "height": 30}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	f.notary.verification = &notary.Verification{Valid: true, FileHash: "abc", Authentic: true, OnLedger: true}

	pdf := []byte("%PDF-1.4 signed")
	w := f.do(t, uploadRequest(t, "/documents/verify", "document", "lease.pdf", pdf, ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["valid"])
	assert.Equal(t, pdf, f.notary.verified)
}

func TestVerify_NotFound(t *testing.T) {
	f := newFixture(t)
	f.notary.verifyErr = notary.ErrDocumentNotFound

	w := f.do(t, uploadRequest(t, "/documents/verify", "document", "lease.pdf", []byte("%PDF"), ""))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, notary.ErrDocumentNotFound.Error(), body["message"])
}

func TestVerify_MissingFile(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/documents/verify", nil)
	w := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
