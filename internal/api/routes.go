package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/service"
)

func SetupRoutes(
	router *gin.Engine,
	jwtSecret string,
	attachmentService service.AttachmentService,
	transferService service.TransferService,
	log *zap.Logger,
) {
	attachmentHandler := NewAttachmentHandler(attachmentService, log)
	transferHandler := NewTransferHandler(attachmentService, transferService, log)

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/api/v1")
	protected.Use(AuthMiddleware(jwtSecret))
	{
		// --- Owner scoped routes ---
		ownerGroup := protected.Group("/owners/:kind/:id")
		{
			// POST /api/v1/owners/{kind}/{id}/attachments (multipart "file")
			ownerGroup.POST("/attachments", attachmentHandler.UploadAttachment)
			ownerGroup.GET("/attachments", attachmentHandler.ListOwnerAttachments)
			// Direct client uploads: presigned PUT, then confirm
			ownerGroup.POST("/upload-url", attachmentHandler.RequestUploadURL)
			ownerGroup.POST("/attachments/confirm", attachmentHandler.ConfirmUpload)
		}

		protected.GET("/teams/:teamId/attachments", attachmentHandler.ListTeamAttachments)

		// --- Single attachment routes ---
		attachmentGroup := protected.Group("/attachments/:attachmentId")
		{
			attachmentGroup.GET("", attachmentHandler.GetAttachment)
			attachmentGroup.PATCH("", attachmentHandler.UpdateAttachment)
			attachmentGroup.DELETE("", attachmentHandler.DeleteAttachment)
			attachmentGroup.GET("/url", attachmentHandler.GetAttachmentURL)
			attachmentGroup.GET("/download", attachmentHandler.DownloadAttachment)
			attachmentGroup.POST("/move", attachmentHandler.MoveAttachment)
			attachmentGroup.POST("/copy", attachmentHandler.CopyAttachment)
			attachmentGroup.POST("/transfer",
				RoleMiddleware(domain.RoleAdmin, domain.RoleManager),
				transferHandler.TransferAttachment,
			)
		}
	}
}
