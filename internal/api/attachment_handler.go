package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/apperrors"
	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/service"
	"lexdesk/attachments/internal/storage"
)

type AttachmentHandler struct {
	attachmentService service.AttachmentService
	log               *zap.Logger
}

func NewAttachmentHandler(attachmentService service.AttachmentService, log *zap.Logger) *AttachmentHandler {
	return &AttachmentHandler{attachmentService: attachmentService, log: log}
}

// --- DTOs ---

type RequestUploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType" binding:"required"`
	FileType    string `json:"fileType"`
}

type ConfirmUploadRequest struct {
	StorageKey     string            `json:"storageKey" binding:"required"`
	Filename       string            `json:"filename"`
	ForceNew       bool              `json:"forceNew"`
	Description    string            `json:"description"`
	CustomMetadata map[string]string `json:"customMetadata"`
}

type UpdateAttachmentRequest struct {
	Filename       *string           `json:"filename"`
	Description    *string           `json:"description"`
	CustomMetadata map[string]string `json:"customMetadata"`
	ExpiresAt      *time.Time        `json:"expiresAt"`
	ClearExpiry    bool              `json:"clearExpiry"`
}

// RelocateRequest is the body of move, copy and transfer calls.
type RelocateRequest struct {
	OwnerType string `json:"ownerType" binding:"required"`
	OwnerID   int64  `json:"ownerId" binding:"required,min=1"`
	FileType  string `json:"fileType"`
}

func (r RelocateRequest) target() (domain.OwnerRef, error) {
	kind, err := domain.ParseOwnerKind(r.OwnerType)
	if err != nil {
		return domain.OwnerRef{}, apperrors.InvalidArgument("unsupported owner type", err)
	}
	return domain.OwnerRef{Kind: kind, ID: r.OwnerID}, nil
}

type AttachmentURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// --- Param helpers ---

func ownerFromPath(c *gin.Context) (domain.OwnerRef, error) {
	kind, err := domain.ParseOwnerKind(c.Param("kind"))
	if err != nil {
		return domain.OwnerRef{}, apperrors.InvalidArgument("unsupported owner type", err)
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return domain.OwnerRef{}, apperrors.InvalidArgument("invalid owner id", err)
	}
	return domain.OwnerRef{Kind: kind, ID: id}, nil
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("%s must be an RFC 3339 timestamp", name), err)
	}
	return &t, nil
}

func parseIntQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.InvalidArgument(name+" must be a non-negative integer", err)
	}
	return n, nil
}

// listQuery reads the filters shared by owner and team listings.
func listQuery(c *gin.Context) (service.ListQuery, error) {
	q := service.ListQuery{
		Category:         c.Query("category"),
		UploadedBy:       c.Query("uploadedBy"),
		FilenameContains: c.Query("q"),
	}
	if raw := c.Query("createdBySystem"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return q, apperrors.InvalidArgument("createdBySystem must be a boolean", err)
		}
		q.CreatedBySystem = &v
	}
	var err error
	if q.CreatedFrom, err = parseTimeQuery(c, "createdFrom"); err != nil {
		return q, err
	}
	if q.CreatedTo, err = parseTimeQuery(c, "createdTo"); err != nil {
		return q, err
	}
	if q.Limit, err = parseIntQuery(c, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = parseIntQuery(c, "offset"); err != nil {
		return q, err
	}
	return q, nil
}

func (h *AttachmentHandler) load(c *gin.Context) (*domain.Attachment, bool) {
	a, err := h.attachmentService.Get(c.Request.Context(), c.Param("attachmentId"))
	if err != nil {
		abortWithAppError(c, h.log, err)
		return nil, false
	}
	return a, true
}

// --- Handler Methods ---

// UploadAttachment godoc
// @Summary Upload a file for an owner
// @Tags Attachments
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Owner type"
// @Param id path int true "Owner ID"
// @Param file formData file true "File to upload"
// @Success 201 {object} domain.Attachment
// @Router /owners/{kind}/{id}/attachments [post]
func (h *AttachmentHandler) UploadAttachment(c *gin.Context) {
	owner, err := ownerFromPath(c)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	// Get uploader ID from context (set by AuthMiddleware)
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unable to identify user from token.")
		return
	}

	// Get the file from the multipart form
	fileHeader, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Multipart field 'file' is required.")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Unable to read uploaded file.")
		return
	}
	defer file.Close()

	// Browsers fall back to octet-stream for unknown files; let the service infer a better type.
	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	forceNew, _ := strconv.ParseBool(c.PostForm("forceNew")) // Anything but a true value keeps dedup on
	req := service.UploadRequest{
		Payload: service.Payload{
			Body:        file,
			Filename:    fileHeader.Filename,
			ContentType: contentType,
		},
		Owner:       &owner,
		FileType:    c.PostForm("fileType"),
		ForceNew:    forceNew,
		UploadedBy:  userID,
		Description: c.PostForm("description"),
	}
	if raw := c.PostForm("expiresAt"); raw != "" {
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "expiresAt must be an RFC 3339 timestamp.")
			return
		}
		req.ExpiresAt = &exp
	}

	// Call service; it returns the existing record when the bytes were already uploaded
	a, err := h.attachmentService.Upload(c.Request.Context(), req)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// ListOwnerAttachments godoc
// @Summary List the attachments of an owner
// @Tags Attachments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} service.ListResult
// @Router /owners/{kind}/{id}/attachments [get]
func (h *AttachmentHandler) ListOwnerAttachments(c *gin.Context) {
	owner, err := ownerFromPath(c)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	q, err := listQuery(c)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	q.Owner = &owner

	res, err := h.attachmentService.List(c.Request.Context(), q)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListTeamAttachments godoc
// @Summary List the attachments of every owner of a team
// @Tags Attachments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} service.ListResult
// @Router /teams/{teamId}/attachments [get]
func (h *AttachmentHandler) ListTeamAttachments(c *gin.Context) {
	teamID, err := strconv.ParseInt(c.Param("teamId"), 10, 64)
	if err != nil || teamID <= 0 {
		abortWithError(c, http.StatusBadRequest, "Invalid team ID.")
		return
	}
	q, err := listQuery(c)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	q.TeamID = teamID

	res, err := h.attachmentService.List(c.Request.Context(), q)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RequestUploadURL godoc
// @Summary Get a presigned URL for a direct upload
// @Tags Attachments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 200 {object} service.UploadURLResponse
// @Router /owners/{kind}/{id}/upload-url [post]
func (h *AttachmentHandler) RequestUploadURL(c *gin.Context) {
	owner, err := ownerFromPath(c)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	var req RequestUploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	// The client PUTs the file straight to storage, then calls ConfirmUpload with the returned key.
	// An occupied key answers 409 so the client never overwrites another record's file.
	resp, err := h.attachmentService.RequestUploadURL(c.Request.Context(), service.DirectUploadRequest{
		Owner:       owner,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		FileType:    req.FileType,
	})
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ConfirmUpload godoc
// @Summary Register a file uploaded through a presigned URL
// @Tags Attachments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 201 {object} domain.Attachment
// @Router /owners/{kind}/{id}/attachments/confirm [post]
func (h *AttachmentHandler) ConfirmUpload(c *gin.Context) {
	owner, err := ownerFromPath(c)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unable to identify user from token.")
		return
	}
	var req ConfirmUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	a, err := h.attachmentService.ConfirmUpload(c.Request.Context(), service.ConfirmUploadRequest{
		Owner:          owner,
		StorageKey:     req.StorageKey,
		Filename:       req.Filename,
		UploadedBy:     userID,
		ForceNew:       req.ForceNew,
		Description:    req.Description,
		CustomMetadata: req.CustomMetadata,
	})
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AttachmentHandler) GetAttachment(c *gin.Context) {
	a, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AttachmentHandler) UpdateAttachment(c *gin.Context) {
	var req UpdateAttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	a, err := h.attachmentService.UpdateDetails(c.Request.Context(), c.Param("attachmentId"), service.DetailsUpdate{
		Filename:       req.Filename,
		Description:    req.Description,
		CustomMetadata: req.CustomMetadata,
		ExpiresAt:      req.ExpiresAt,
		ClearExpiry:    req.ClearExpiry,
	})
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AttachmentHandler) DeleteAttachment(c *gin.Context) {
	a, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.attachmentService.Delete(c.Request.Context(), a); err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetAttachmentURL godoc
// @Summary Get a presigned view or download URL
// @Tags Attachments
// @Produce json
// @Security BearerAuth
// @Param disposition query string false "view (default) or download"
// @Param expiresIn query int false "Lifetime in seconds"
// @Success 200 {object} AttachmentURLResponse
// @Failure 503 {object} gin.H "Storage could not sign the URL"
// @Router /attachments/{attachmentId}/url [get]
func (h *AttachmentHandler) GetAttachmentURL(c *gin.Context) {
	expiresIn, err := parseIntQuery(c, "expiresIn")
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	a, ok := h.load(c)
	if !ok {
		return
	}

	lifetime := time.Duration(expiresIn) * time.Second // expiresIn is in seconds
	if lifetime <= 0 {
		lifetime = storage.DefaultPresignedURLExpiry
	}
	u, ok := h.attachmentService.URL(c.Request.Context(), a, service.URLOptions{
		Disposition: storage.ParseDisposition(c.Query("disposition")),
		ExpiresIn:   lifetime,
	})
	if !ok {
		abortWithError(c, http.StatusServiceUnavailable, "Unable to generate a URL for this attachment.")
		return
	}
	c.JSON(http.StatusOK, AttachmentURLResponse{URL: u, ExpiresAt: time.Now().UTC().Add(lifetime)})
}

func (h *AttachmentHandler) DownloadAttachment(c *gin.Context) {
	a, ok := h.load(c)
	if !ok {
		return
	}
	body, info, err := h.attachmentService.Download(c.Request.Context(), a)
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	defer body.Close() // Closing also releases the backend request

	// Prefer the type recorded at upload over whatever storage reports
	contentType := a.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	disposition := storage.ContentDisposition(storage.PresignOptions{
		Disposition: storage.ParseDisposition(c.DefaultQuery("disposition", string(storage.DispositionDownload))),
		Filename:    a.Filename,
	})
	c.DataFromReader(http.StatusOK, info.Size, contentType, body, map[string]string{
		"Content-Disposition": disposition,
		"ETag":                strings.Trim(info.ETag, `"`),
	})
}

func (h *AttachmentHandler) MoveAttachment(c *gin.Context) {
	h.relocate(c, h.attachmentService.Move, http.StatusOK)
}

func (h *AttachmentHandler) CopyAttachment(c *gin.Context) {
	h.relocate(c, h.attachmentService.Copy, http.StatusCreated)
}

type relocateFunc func(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, opts service.RelocateOptions) (*domain.Attachment, error)

func (h *AttachmentHandler) relocate(c *gin.Context, fn relocateFunc, status int) {
	var req RelocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	target, err := req.target()
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	a, ok := h.load(c)
	if !ok {
		return
	}

	// An occupied target key comes back as 409; neither object is touched in that case.
	out, err := fn(c.Request.Context(), a, target, service.RelocateOptions{FileType: req.FileType})
	if err != nil {
		abortWithAppError(c, h.log, err)
		return
	}
	c.JSON(status, out)
}
