package model

import (
	"fmt"
	"time"
)

// Task tracks one document conversion from submission to its terminal state.
type Task struct {
	ID         string            `json:"task_id"`
	Filename   string            `json:"filename"`
	UploadPath string            `json:"-"`
	Options    ProcessingOptions `json:"options"`
	Status     string            `json:"status"` // pending, processing, completed, failed
	Message    string            `json:"message,omitempty"`
	ErrorMsg   string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Task status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ProcessingOptions are the per-task conversion options captured at submission.
type ProcessingOptions struct {
	ForceOCR    bool   `json:"force_ocr"`
	TableFormat string `json:"table_format"`
}

// Table rendering policies accepted on submission.
const (
	TableFormatAuto     = "auto"
	TableFormatMarkdown = "markdown"
	TableFormatHTML     = "html"
)

// ParseTableFormat validates a client-supplied table_format value. An empty
// value selects auto.
func ParseTableFormat(s string) (string, error) {
	switch s {
	case "":
		return TableFormatAuto, nil
	case TableFormatAuto, TableFormatMarkdown, TableFormatHTML:
		return s, nil
	}
	return "", fmt.Errorf("invalid table_format %q (expected auto, markdown or html)", s)
}

// TaskResponse is returned when a document is accepted for processing.
type TaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TaskStatusResponse reports the current state of a task.
type TaskStatusResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
