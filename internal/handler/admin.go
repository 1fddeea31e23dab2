package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keygate/internal/handler/dto"
	"github.com/makkenzo/keygate/internal/service"
	"go.uber.org/zap"
)

type AdminHandler struct {
	lifecycle *service.LifecycleService
	logger    *zap.Logger
}

func NewAdminHandler(lifecycle *service.LifecycleService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		lifecycle: lifecycle,
		logger:    logger.Named("AdminHandler"),
	}
}

// ProvisionKey pre-creates an issued key for a purchaser email, the
// purchase-time issuance path.
func (h *AdminHandler) ProvisionKey(c *gin.Context) {
	var req dto.ProvisionKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	rec, err := h.lifecycle.ProvisionKey(c.Request.Context(), req.Email)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("Key provisioned via admin API", zap.String("email", req.Email))
	c.JSON(http.StatusCreated, dto.NewKeyResponse(rec))
}

// RevokeKey invalidates a key outright. Revocation is terminal.
func (h *AdminHandler) RevokeKey(c *gin.Context) {
	id := c.Param("id")

	if err := h.lifecycle.RevokeKey(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key revoked"})
}

// Stats returns key counts per lifecycle state.
func (h *AdminHandler) Stats(c *gin.Context) {
	counts, err := h.lifecycle.StateCounts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		TotalKeys:   total,
		StateCounts: counts,
	})
}
