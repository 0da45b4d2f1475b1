package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"staging-engine/internal/coordinator"
	"staging-engine/internal/domain"
	"staging-engine/internal/repository"
	"staging-engine/internal/service"
	"staging-engine/internal/staging"
	"staging-engine/internal/transfer"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	transfers  service.TransferService
	manager    coordinator.Manager
	processors *staging.Registry
	auth       gin.HandlerFunc
}

func NewHandler(transfers service.TransferService, manager coordinator.Manager, processors *staging.Registry, jwtSecret string) *Handler {
	if processors == nil {
		processors = staging.DefaultRegistry()
	}
	h := &Handler{
		transfers:  transfers,
		manager:    manager,
		processors: processors,
	}
	if jwtSecret != "" {
		h.auth = authMiddleware([]byte(jwtSecret))
	}
	return h
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/api/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	api := router.Group("/api")
	if h.auth != nil {
		api.Use(h.auth)
	}
	{
		api.POST("/transfers", h.createTransfer)
		api.GET("/transfers", h.listTransfers)
		api.GET("/transfers/:id", h.getTransfer)
		api.GET("/transfers/:id/files", h.listFiles)
		api.POST("/transfers/:id/cancel", h.cancelTransfer)
		api.DELETE("/transfers/:id", h.deleteTransfer)
		api.GET("/processors", h.listProcessors)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) createTransfer(c *gin.Context) {
	var req service.CreateTransferInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tr, err := h.transfers.CreateTransfer(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Enqueue(c.Request.Context(), tr.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, h.toResponse(*tr))
}

func (h *Handler) listTransfers(c *gin.Context) {
	var (
		transfers []domain.Transfer
		err       error
	)
	if status := c.Query("status"); status != "" {
		s := domain.TransferStatus(status)
		if !s.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(status)})
			return
		}
		transfers, err = h.transfers.ListByStatuses(c.Request.Context(), s)
	} else {
		transfers, err = h.transfers.ListTransfers(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]TransferResponse, len(transfers))
	for i := range transfers {
		resp[i] = h.toResponse(transfers[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTransfer(c *gin.Context) {
	tr, err := h.transfers.GetTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.toResponse(*tr))
}

func (h *Handler) listFiles(c *gin.Context) {
	tr, err := h.transfers.GetTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	files := tr.Files
	if files == nil {
		files = []domain.TransferFile{}
	}
	c.JSON(http.StatusOK, files)
}

func (h *Handler) cancelTransfer(c *gin.Context) {
	id := c.Param("id")
	cancelCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.manager.Cancel(cancelCtx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusAccepted, gin.H{"canceling": id})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": id})
}

func (h *Handler) deleteTransfer(c *gin.Context) {
	id := c.Param("id")
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	purgeCtx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()
	if err := h.manager.Purge(purgeCtx, id, deleteRemote); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) listProcessors(c *gin.Context) {
	c.JSON(http.StatusOK, h.processors.Describe())
}

type TransferResponse struct {
	ID           string                 `json:"id"`
	Kind         domain.TransferKind    `json:"kind"`
	Status       domain.TransferStatus  `json:"status"`
	Destination  string                 `json:"destination"`
	Processors   []domain.ProcessorSpec `json:"processors"`
	ErrorMessage string                 `json:"error_message"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
	FinishedAt   *string                `json:"finished_at,omitempty"`
	Files        []domain.TransferFile  `json:"files,omitempty"`
	Live         *transfer.Info         `json:"live,omitempty"`
}

func (h *Handler) toResponse(tr domain.Transfer) TransferResponse {
	resp := TransferResponse{
		ID:           tr.ID,
		Kind:         tr.Kind,
		Status:       tr.Status,
		Destination:  tr.Destination,
		Processors:   tr.Processors,
		ErrorMessage: tr.ErrorMessage,
		CreatedAt:    tr.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    tr.UpdatedAt.Format(time.RFC3339),
		Files:        tr.Files,
	}
	if resp.Processors == nil {
		resp.Processors = []domain.ProcessorSpec{}
	}
	if tr.FinishedAt != nil {
		v := tr.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	if info, ok := h.manager.Info(tr.ID); ok {
		resp.Live = &info
	}
	return resp
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
