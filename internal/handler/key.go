package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keygate/internal/handler/dto"
	"github.com/makkenzo/keygate/internal/service"
	"go.uber.org/zap"
)

type KeyHandler struct {
	lifecycle *service.LifecycleService
	logger    *zap.Logger
}

func NewKeyHandler(lifecycle *service.LifecycleService, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		lifecycle: lifecycle,
		logger:    logger.Named("KeyHandler"),
	}
}

// Verify claims a license key for the calling client. The client IP is the
// rate-limiting identity.
func (h *KeyHandler) Verify(c *gin.Context) {
	var req dto.VerifyKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.lifecycle.VerifyAndClaim(c.Request.Context(), req.Key, c.ClientIP()); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.VerifyKeyResponse{Success: true})
}

// Recover revokes the caller's current key and mints a replacement. The
// response body is the only copy of the new key; losing it means recovering
// again.
func (h *KeyHandler) Recover(c *gin.Context) {
	var req dto.RecoverKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	newKey, err := h.lifecycle.RecoverByEmail(c.Request.Context(), req.Email)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.RecoverKeyResponse{Success: true, NewKey: newKey})
}
