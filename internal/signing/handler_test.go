package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockService is a mock implementation of the Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) Sign(ctx context.Context, credential string, in SignInput) (*SignResult, error) {
	args := m.Called(ctx, credential, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SignResult), args.Error(1)
}

func (m *MockService) CreateRequest(ctx context.Context, credential string, in CreateRequestInput) (*CreatedRequest, error) {
	args := m.Called(ctx, credential, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CreatedRequest), args.Error(1)
}

func (m *MockService) GetForSigningByID(ctx context.Context, credential, requestID string) (*SigningView, error) {
	args := m.Called(ctx, credential, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SigningView), args.Error(1)
}

func (m *MockService) GetForSigningByToken(ctx context.Context, token string) (*SigningView, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SigningView), args.Error(1)
}

func (m *MockService) ListOwned(ctx context.Context, credential string) ([]SignatureRequest, error) {
	args := m.Called(ctx, credential)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]SignatureRequest), args.Error(1)
}

func (m *MockService) GetOwned(ctx context.Context, credential, requestID string) (*SignatureRequest, error) {
	args := m.Called(ctx, credential, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SignatureRequest), args.Error(1)
}

func (m *MockService) SignedDocumentURL(ctx context.Context, credential, requestID string) (string, error) {
	args := m.Called(ctx, credential, requestID)
	return args.String(0), args.Error(1)
}

func (m *MockService) ExportOwned(ctx context.Context, credential string, w io.Writer) error {
	args := m.Called(ctx, credential, w)
	if err := args.Error(0); err != nil {
		return err
	}
	_, err := w.Write([]byte("PK"))
	return err
}

func (m *MockService) SendReminders(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockService) Wait() {}

func setupRouter(svc Service, tokenRoutes ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(svc, zap.NewNop(), 1<<20).RegisterRoutes(router.Group("/api/v1"), tokenRoutes...)
	return router
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code      Code   `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func jsonRequest(method, target string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandlerSignSuccess(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc)
	id := uuid.New()
	signedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	in := SignInput{RequestID: id.String(), SignatureImage: "data:image/png;base64,AAAA"}
	svc.On("Sign", mock.Anything, "signer-token", in).Return(&SignResult{
		RequestID:         id,
		SignedDocumentRef: "docs/lease_signed.pdf",
		SignedAt:          signedAt,
		StampedSpots:      2,
	}, nil)

	req := jsonRequest(http.MethodPost, "/api/v1/sign", in)
	req.Header.Set("Authorization", "Bearer signer-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, id.String(), body["requestId"])
	assert.Equal(t, "docs/lease_signed.pdf", body["signedDocumentRef"])
	assert.Equal(t, "2026-03-14T10:00:00Z", body["signedAt"])
	assert.EqualValues(t, 2, body["stampedSpots"])
	svc.AssertExpectations(t)
}

func TestHandlerSignErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      Code
		retryable bool
	}{
		{"already signed", ErrAlreadySigned, http.StatusBadRequest, CodeAlreadySigned, false},
		{"expired", ErrExpired, http.StatusBadRequest, CodeExpired, false},
		{"not found", ErrNotFound, http.StatusNotFound, CodeNotFound, false},
		{"forbidden", ErrForbidden, http.StatusForbidden, CodeForbidden, false},
		{"unauthenticated", ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthenticated, false},
		{"transient", transient("stamping timed out"), http.StatusInternalServerError, CodeInternal, true},
		{"internal", errors.New("original document missing"), http.StatusInternalServerError, CodeInternal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("Sign", mock.Anything, "", mock.Anything).Return(nil, tc.err)

			w := httptest.NewRecorder()
			setupRouter(svc).ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/sign",
				SignInput{AccessToken: "tok", SignatureImage: "AAAA"}))

			assert.Equal(t, tc.status, w.Code)
			env := decodeError(t, w)
			assert.False(t, env.Success)
			assert.Equal(t, tc.code, env.Error.Code)
			assert.Equal(t, tc.retryable, env.Error.Retryable)
			assert.NotContains(t, env.Error.Message, "original document")
		})
	}
}

func TestHandlerSignRejectsMalformedBody(t *testing.T) {
	svc := new(MockService)
	w := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/sign", map[string]string{"accessToken": "tok"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, w).Error.Code)
	svc.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandlerTokenRoutesMiddleware(t *testing.T) {
	svc := new(MockService)
	limited := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	}
	router := setupRouter(svc, limited)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sign/token/abc", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	svc.On("GetForSigningByID", mock.Anything, "", "some-id").Return(nil, ErrUnauthenticated)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sign/requests/some-id", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlerGetForSigningByToken(t *testing.T) {
	svc := new(MockService)
	view := &SigningView{ID: uuid.New(), Title: "Lease", Status: StatusPending, Signable: true, Spots: []SignatureSpot{}}
	svc.On("GetForSigningByToken", mock.Anything, "abc").Return(view, nil)

	w := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sign/token/abc", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got SigningView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, view.ID, got.ID)
	assert.True(t, got.Signable)
}

func multipartCreate(t *testing.T, fields map[string]string, document []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if document != nil {
		part, err := mw.CreateFormFile("document", "lease.pdf")
		require.NoError(t, err)
		_, err = part.Write(document)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/signature-requests", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer owner-token")
	return req
}

func TestHandlerCreateMultipart(t *testing.T) {
	svc := new(MockService)
	document := []byte("%PDF-1.4 test")

	svc.On("CreateRequest", mock.Anything, "owner-token", mock.MatchedBy(func(in CreateRequestInput) bool {
		return in.Title == "Lease" &&
			bytes.Equal(in.Document, document) &&
			in.DocumentName == "lease.pdf" &&
			in.SignerEmail == "sam@example.com" &&
			in.ExpiresAt != nil && in.ExpiresAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) &&
			len(in.Spots) == 1 && in.Spots[0].Page == 2
	})).Return(&CreatedRequest{
		Request:     &SignatureRequest{ID: uuid.New(), Title: "Lease"},
		AccessToken: "plain-token",
		SigningLink: "https://portal.example.com/sign?token=plain-token",
	}, nil)

	w := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(w, multipartCreate(t, map[string]string{
		"title":       "Lease",
		"signerEmail": "sam@example.com",
		"expiresAt":   "2026-04-01T00:00:00Z",
		"spots":       `[{"page":2,"x":20,"y":80,"width":20,"height":8}]`,
	}, document))

	require.Equal(t, http.StatusCreated, w.Code)
	var created CreatedRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "plain-token", created.AccessToken)
	svc.AssertExpectations(t)
}

func TestHandlerCreateMultipartValidation(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc)

	cases := map[string]*http.Request{
		"missing file":   multipartCreate(t, map[string]string{"title": "Lease"}, nil),
		"bad expiry":     multipartCreate(t, map[string]string{"title": "Lease", "expiresAt": "tomorrow"}, []byte("%PDF")),
		"bad spots":      multipartCreate(t, map[string]string{"title": "Lease", "spots": "{"}, []byte("%PDF")),
		"oversized file": multipartCreate(t, map[string]string{"title": "Lease"}, bytes.Repeat([]byte("x"), 1<<20+1)),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeInvalidRequest, decodeError(t, w).Error.Code)
		})
	}
	svc.AssertNotCalled(t, "CreateRequest", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandlerOwnerRoutes(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc)
	id := uuid.New()

	svc.On("ListOwned", mock.Anything, "owner-token").Return([]SignatureRequest{{ID: id, Title: "Lease"}}, nil)
	svc.On("SignedDocumentURL", mock.Anything, "owner-token", id.String()).Return("https://bucket.s3/lease_signed.pdf?sig=1", nil)
	svc.On("ExportOwned", mock.Anything, "owner-token", mock.Anything).Return(nil)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer owner-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := get("/api/v1/signature-requests")
	require.Equal(t, http.StatusOK, w.Code)
	var reqs []SignatureRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reqs))
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].ID)

	w = get("/api/v1/signature-requests/" + id.String() + "/signed-document")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lease_signed.pdf")

	w = get("/api/v1/signature-requests/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "signature-requests-")
	assert.Equal(t, "PK", w.Body.String())
}
