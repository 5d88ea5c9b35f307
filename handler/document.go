package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/empire-tm/DoclingOCRServer/model"
	"github.com/empire-tm/DoclingOCRServer/pkg/logger"
	"github.com/empire-tm/DoclingOCRServer/service"
)

const (
	serviceName    = "DoclingOCRServer"
	serviceVersion = "1.0.0"
)

type DocumentHandler struct {
	orchestrator *service.Orchestrator
	content      *service.ContentStore
}

func NewDocumentHandler(orchestrator *service.Orchestrator, content *service.ContentStore) *DocumentHandler {
	return &DocumentHandler{
		orchestrator: orchestrator,
		content:      content,
	}
}

// Process accepts a document upload and registers it for conversion. The
// response carries the task id to poll, it never waits for the conversion.
func (h *DocumentHandler) Process(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	forceOCR, _ := strconv.ParseBool(c.DefaultPostForm("force_ocr", "false"))
	tableFormat, err := model.ParseTableFormat(c.PostForm("table_format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := model.ProcessingOptions{ForceOCR: forceOCR, TableFormat: tableFormat}
	task, err := h.orchestrator.Submit(c.Request.Context(), header.Filename, header.Size, file, opts)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrFileTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		case errors.Is(err, model.ErrUnsupportedFormat):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept document: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, model.TaskResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: task.Message,
	})
}

// Status returns the current state of a conversion task.
func (h *DocumentHandler) Status(c *gin.Context) {
	task, err := h.orchestrator.Status(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, model.TaskStatusResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: task.Message,
		Error:   task.ErrorMsg,
	})
}

// Download streams the result package of a completed task as a zip
// attachment. Tasks that are not completed, and completed tasks whose package
// has already been retired by retention, answer 404.
func (h *DocumentHandler) Download(c *gin.Context) {
	task, err := h.orchestrator.Status(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if task.Status != model.StatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No result available, task is %s", task.Status)})
		return
	}
	if !h.content.Has(task.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Result package has expired"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, task.ID))
	if err := h.content.StreamArchive(task.ID, c.Writer); err != nil {
		logger.Error(c.Request.Context(), "failed to stream result package", "task_id", task.ID, "error", err)
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Disposition")
			c.Writer.Header().Del("Content-Type")
			c.JSON(http.StatusNotFound, gin.H{"error": "Result package has expired"})
		}
	}
}

// Info describes the service for clients probing the root path.
func (h *DocumentHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": serviceVersion,
		"status":  "running",
	})
}
