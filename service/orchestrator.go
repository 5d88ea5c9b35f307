package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/empire-tm/DoclingOCRServer/config"
	"github.com/empire-tm/DoclingOCRServer/model"
	"github.com/empire-tm/DoclingOCRServer/pkg/logger"
)

// Converter turns an uploaded source file into a normalized document tree.
// Implementations run the conversion synchronously and honour ctx.
type Converter interface {
	Convert(ctx context.Context, taskID, sourcePath string, opts model.ProcessingOptions) (*model.Document, error)
}

// Extensions accepted for upload.
var supportedExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".doc":  true,
	".xlsx": true,
	".xls":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Task messages surfaced by the status endpoint.
const (
	messageQueued     = "Document queued for processing"
	messageProcessing = "Conversion in progress"
	messageCompleted  = "Conversion completed"
	messageFailed     = "Conversion failed"
)

// Orchestrator owns the task lifecycle: it validates submissions, spools the
// upload, queues the task, and runs the worker pool that drives tasks through
// conversion and persistence. Exactly one worker processes a given task, and
// only that worker writes its status.
type Orchestrator struct {
	store     *TaskStore
	content   *ContentStore
	converter Converter

	maxUploadBytes int64
	queue          chan string
	workers        int
	eg             *errgroup.Group
}

func NewOrchestrator(cfg *config.ProcessingConfig, store *TaskStore, content *ContentStore, converter Converter) *Orchestrator {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:          store,
		content:        content,
		converter:      converter,
		maxUploadBytes: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		queue:          make(chan string, cfg.QueueCapacity),
		workers:        workers,
	}
}

// Start launches the worker pool. Workers drain the queue in FIFO order until
// ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.eg = &errgroup.Group{}
	for i := 0; i < o.workers; i++ {
		worker := i
		o.eg.Go(func() error {
			o.runWorker(ctx, worker)
			return nil
		})
	}
	slog.Info("worker pool started", "workers", o.workers, "queue_capacity", cap(o.queue))
}

// Wait blocks until every worker has stopped.
func (o *Orchestrator) Wait() error {
	if o.eg == nil {
		return nil
	}
	return o.eg.Wait()
}

// Submit validates and accepts one document for conversion. On success the
// task is registered pending, its upload is spooled next to the packages, and
// the id is queued for a worker; the submitter never waits for processing. A
// full queue blocks the submitter rather than rejecting the task.
func (o *Orchestrator) Submit(ctx context.Context, filename string, size int64, r io.Reader, opts model.ProcessingOptions) (model.Task, error) {
	if size > o.maxUploadBytes {
		return model.Task{}, fmt.Errorf("%w: %d bytes over the %d byte limit", model.ErrFileTooLarge, size, o.maxUploadBytes)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExtensions[ext] {
		return model.Task{}, fmt.Errorf("%w: %q", model.ErrUnsupportedFormat, ext)
	}

	taskID := uuid.New().String()
	uploadPath, err := o.content.WriteUpload(taskID, filename, r)
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to store upload: %w", err)
	}

	task := &model.Task{
		ID:         taskID,
		Filename:   filename,
		UploadPath: uploadPath,
		Options:    opts,
		Status:     model.StatusPending,
		Message:    messageQueued,
	}
	o.store.Save(task)
	// Snapshot before the send: once the id is queued a worker may start
	// mutating the stored record.
	pending := *task

	select {
	case o.queue <- taskID:
	case <-ctx.Done():
		o.store.Delete(taskID)
		o.content.RemoveUpload(uploadPath)
		return model.Task{}, ctx.Err()
	}

	logger.Info(ctx, "task queued", "task_id", taskID, "filename", filename, "size", size)
	return pending, nil
}

// Status returns the current task record.
func (o *Orchestrator) Status(id string) (model.Task, error) {
	task, ok := o.store.Get(id)
	if !ok {
		return model.Task{}, model.ErrTaskNotFound
	}
	return task, nil
}

func (o *Orchestrator) runWorker(ctx context.Context, worker int) {
	slog.Info("worker started", "worker", worker)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "worker", worker)
			return
		case taskID := <-o.queue:
			o.process(ctx, taskID)
		}
	}
}

// process drives one task from pending to a terminal state.
func (o *Orchestrator) process(ctx context.Context, taskID string) {
	ctx = logger.WithTask(ctx, taskID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic during conversion", "panic", r)
			o.store.UpdateStatus(taskID, model.StatusFailed, messageFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	task, ok := o.store.Get(taskID)
	if !ok {
		logger.Warn(ctx, "queued task no longer in registry")
		return
	}
	defer o.content.RemoveUpload(task.UploadPath)

	o.store.UpdateStatus(taskID, model.StatusProcessing, messageProcessing, "")
	logger.Info(ctx, "conversion started", "filename", task.Filename)

	doc, err := o.converter.Convert(ctx, taskID, task.UploadPath, task.Options)
	if err != nil {
		o.fail(ctx, taskID, err)
		return
	}

	markdown, images := RenderMarkdown(doc, task.Options.TableFormat)
	if err := o.content.WriteArtifacts(taskID, markdown, images); err != nil {
		o.fail(ctx, taskID, err)
		return
	}

	o.store.UpdateStatus(taskID, model.StatusCompleted, messageCompleted, "")
	logger.Info(ctx, "conversion completed", "images", len(images))
}

func (o *Orchestrator) fail(ctx context.Context, taskID string, err error) {
	logger.Error(ctx, "conversion failed", "error", err)
	o.store.UpdateStatus(taskID, model.StatusFailed, messageFailed, err.Error())
}
