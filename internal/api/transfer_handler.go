package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/service"
)

type TransferHandler struct {
	attachmentService service.AttachmentService
	transferService   service.TransferService
	log               *zap.Logger
}

func NewTransferHandler(attachmentService service.AttachmentService, transferService service.TransferService, log *zap.Logger) *TransferHandler {
	return &TransferHandler{attachmentService: attachmentService, transferService: transferService, log: log}
}

type TransferRequest struct {
	RelocateRequest
	ReorganizeStorageKey  bool   `json:"reorganizeStorageKey"`
	ValidateCompatibility *bool  `json:"validateCompatibility"` // Defaults to true
	Reason                string `json:"reason"`
}

type TransferResponse struct {
	Message    string             `json:"message"`
	Attachment *domain.Attachment `json:"attachment"`
}

// TransferAttachment godoc
// @Summary Reassign an attachment to another owner
// @Tags Attachments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param transferRequest body TransferRequest true "Target owner and options"
// @Success 200 {object} TransferResponse
// @Failure 400 {object} gin.H "Invalid target"
// @Failure 403 {object} gin.H "Forbidden (requires admin or manager)"
// @Failure 404 {object} gin.H "Attachment or target owner not found"
// @Failure 409 {object} gin.H "Incompatible category or concurrent change"
// @Router /attachments/{attachmentId}/transfer [post]
func (h *TransferHandler) TransferAttachment(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	target, err := req.target()
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	actorID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unable to identify user from token.")
		return
	}

	a, err := h.attachmentService.Get(c.Request.Context(), c.Param("attachmentId"))
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}

	validate := true
	if req.ValidateCompatibility != nil {
		validate = *req.ValidateCompatibility
	}
	res := h.transferService.Transfer(c.Request.Context(), a, target, actorID, service.TransferOptions{
		ReorganizeStorageKey:  req.ReorganizeStorageKey,
		ValidateCompatibility: validate,
		Reason:                req.Reason,
	})
	if !res.Success {
		abortWithAppError(c, h.log, res.Err)
		return
	}
	c.JSON(http.StatusOK, TransferResponse{Message: res.Message, Attachment: res.Attachment})
}
