package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealer-portal/esign-backend/pkg/security"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	service        Service
	logger         *zap.Logger
	maxUploadBytes int64
}

func NewHandler(service Service, logger *zap.Logger, maxUploadBytes int64) *Handler {
	return &Handler{service: service, logger: logger, maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes registers signing routes. tokenRoutes wrap the anonymous
// token lookups (rate limiting).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, tokenRoutes ...gin.HandlerFunc) {
	sign := rg.Group("/sign")
	{
		sign.POST("", withMiddleware(tokenRoutes, h.Sign)...)
		sign.GET("/requests/:id", h.GetForSigning)
		sign.GET("/token/:token", withMiddleware(tokenRoutes, h.GetForSigningByToken)...)
	}

	reqs := rg.Group("/signature-requests")
	{
		reqs.POST("", h.Create)
		reqs.GET("", h.List)
		reqs.GET("/export", h.Export)
		reqs.GET("/:id", h.Get)
		reqs.GET("/:id/signed-document", h.SignedDocument)
	}
}

func withMiddleware(mw []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	chain := make([]gin.HandlerFunc, 0, len(mw)+1)
	return append(append(chain, mw...), handler)
}

func credential(c *gin.Context) string {
	token, _ := security.BearerToken(c.GetHeader("Authorization"))
	return token
}

// writeError renders the error envelope. Internal details are logged, not
// returned.
func (h *Handler) writeError(c *gin.Context, err error) {
	code := CodeOf(err)
	message := err.Error()
	if code == CodeInternal {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		message = "internal error"
		if Retryable(err) {
			message = "temporary failure, please retry"
		}
	}
	c.JSON(HTTPStatus(code), gin.H{
		"success": false,
		"error": gin.H{
			"code":      code,
			"message":   message,
			"retryable": Retryable(err),
		},
	})
}

func (h *Handler) Sign(c *gin.Context) {
	var in SignInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.writeError(c, invalid("malformed body: %v", err))
		return
	}

	res, err := h.service.Sign(c.Request.Context(), credential(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"requestId":         res.RequestID,
		"signedDocumentRef": res.SignedDocumentRef,
		"signedAt":          res.SignedAt,
		"stampedSpots":      res.StampedSpots,
		"skippedSpots":      res.SkippedSpots,
	})
}

func (h *Handler) GetForSigning(c *gin.Context) {
	view, err := h.service.GetForSigningByID(c.Request.Context(), credential(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) GetForSigningByToken(c *gin.Context) {
	view, err := h.service.GetForSigningByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Create(c *gin.Context) {
	var in CreateRequestInput
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		in, err = h.bindMultipart(c)
	} else {
		err = c.ShouldBindJSON(&in)
		if err != nil {
			err = invalid("malformed body: %v", err)
		}
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	created, err := h.service.CreateRequest(c.Request.Context(), credential(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) bindMultipart(c *gin.Context) (CreateRequestInput, error) {
	in := CreateRequestInput{
		Title:        c.PostForm("title"),
		SignerUserID: c.PostForm("signerUserId"),
		SignerName:   c.PostForm("signerName"),
		SignerEmail:  c.PostForm("signerEmail"),
	}

	if raw := c.PostForm("expiresAt"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return in, invalid("expiresAt must be RFC 3339")
		}
		in.ExpiresAt = &t
	}
	if raw := c.PostForm("spots"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Spots); err != nil {
			return in, invalid("spots must be a JSON array")
		}
	}

	file, err := c.FormFile("document")
	if err != nil {
		return in, invalid("document file is required")
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		return in, invalid("document exceeds %d bytes", h.maxUploadBytes)
	}
	f, err := file.Open()
	if err != nil {
		return in, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	in.Document, err = io.ReadAll(f)
	if err != nil {
		return in, fmt.Errorf("failed to read upload: %w", err)
	}
	in.DocumentName = file.Filename
	return in, nil
}

func (h *Handler) List(c *gin.Context) {
	reqs, err := h.service.ListOwned(c.Request.Context(), credential(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (h *Handler) Get(c *gin.Context) {
	req, err := h.service.GetOwned(c.Request.Context(), credential(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) SignedDocument(c *gin.Context) {
	signedURL, err := h.service.SignedDocumentURL(c.Request.Context(), credential(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

func (h *Handler) Export(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.service.ExportOwned(c.Request.Context(), credential(c), &buf); err != nil {
		h.writeError(c, err)
		return
	}

	filename := fmt.Sprintf("signature-requests-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
