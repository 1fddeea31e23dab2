package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/makkenzo/keygate/internal/handler/dto"
	"github.com/makkenzo/keygate/internal/ierr"
	"github.com/makkenzo/keygate/internal/service"
	"go.uber.org/zap"
)

type APIKeyHandler struct {
	service *service.APIKeyService
	logger  *zap.Logger
}

func NewAPIKeyHandler(service *service.APIKeyService, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		service: service,
		logger:  logger.Named("APIKeyHandler"),
	}
}

// Create mints a new admin API key. The full key appears only in this
// response.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var req dto.CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	resp, err := h.service.CreateAPIKey(c.Request.Context(), req.Description)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.service.ListAPIKeys(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

func (h *APIKeyHandler) Revoke(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.logger.Warn("Invalid UUID format for api key revoke", zap.String("id_param", c.Param("id")), zap.Error(err))
		_ = c.Error(ierr.ErrValidation)
		return
	}

	if err := h.service.RevokeAPIKey(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}
