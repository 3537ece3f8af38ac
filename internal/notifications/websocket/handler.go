package websocket

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealer-portal/esign-backend/pkg/security"
)

// Handler exposes the notification stream.
type Handler struct {
	manager  *Manager
	identity security.IdentityProvider
	logger   *zap.Logger
}

func NewHandler(manager *Manager, identity security.IdentityProvider, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, identity: identity, logger: logger}
}

// RegisterRoutes registers the stream route. Browsers cannot set headers on
// a WebSocket handshake, so the credential may also come as access_token.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/notifications/ws", h.Connect)
}

func (h *Handler) Connect(c *gin.Context) {
	credential, ok := security.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		credential = c.Query("access_token")
	}
	if credential == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credential"})
		return
	}

	identity, err := h.identity.ResolveCaller(c.Request.Context(), credential)
	if errors.Is(err, security.ErrInvalidCredential) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to resolve websocket caller", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity lookup failed"})
		return
	}

	if _, err := h.manager.HandleConnection(c.Writer, c.Request, identity.UserID); err != nil {
		// the upgrader has already written the HTTP error
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
	}
}
