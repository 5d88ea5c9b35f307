package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/empire-tm/DoclingOCRServer/config"
	"github.com/empire-tm/DoclingOCRServer/model"
	"github.com/empire-tm/DoclingOCRServer/pkg/logger"
)

// Resolution the engine renders extracted images at.
const engineImageScale = 2.0

// Engine task states.
const (
	engineStatePending = "pending"
	engineStateRunning = "running"
	engineStateDone    = "done"
	engineStateFailed  = "failed"
)

// DoclingService converts documents through the external Docling engine. The
// source is staged to object storage so the engine can pull it by presigned
// URL; the engine is then polled until it publishes a result archive with the
// normalized document tree.
type DoclingService struct {
	config     *config.DoclingConfig
	processing *config.ProcessingConfig
	staging    *StagingStore
	httpClient *http.Client
}

// doclingConvertRequest creates a conversion task on the engine
type doclingConvertRequest struct {
	SourceURL string                `json:"source_url"`
	DataID    string                `json:"data_id,omitempty"`
	Options   doclingConvertOptions `json:"options"`
}

type doclingConvertOptions struct {
	ForceOCR    bool    `json:"force_ocr"`
	Accelerator string  `json:"accelerator_device"`
	NumThreads  int     `json:"num_threads"`
	ImageScale  float64 `json:"image_scale"`
}

// doclingTaskResponse represents the response from task creation
type doclingTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// doclingStatusResponse represents the task status query response
type doclingStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID       string `json:"task_id"`
		State        string `json:"state"` // pending, running, done, failed
		ResultZipURL string `json:"result_zip_url,omitempty"`
		ErrorMsg     string `json:"err_msg,omitempty"`
		Progress     struct {
			ProcessedPages int `json:"processed_pages"`
			TotalPages     int `json:"total_pages"`
		} `json:"progress"`
	} `json:"data"`
}

// doclingDocument is the normalized tree inside the result archive.
type doclingDocument struct {
	Blocks []doclingBlock `json:"blocks"`
}

type doclingBlock struct {
	Type      string        `json:"type"` // text, table, image
	Text      string        `json:"text,omitempty"`
	Level     int           `json:"level,omitempty"`
	Table     *doclingTable `json:"table,omitempty"`
	ImagePath string        `json:"image_path,omitempty"`
	Caption   string        `json:"caption,omitempty"`
}

type doclingTable struct {
	RowCount       int           `json:"row_count"`
	ColumnCount    int           `json:"column_count"`
	HasMergedCells bool          `json:"has_merged_cells"`
	Cells          []doclingCell `json:"cells"`
}

type doclingCell struct {
	Text    string `json:"text"`
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	RowSpan int    `json:"row_span"`
	ColSpan int    `json:"col_span"`
}

func NewDoclingService(cfg *config.DoclingConfig, proc *config.ProcessingConfig, staging *StagingStore) *DoclingService {
	return &DoclingService{
		config:     cfg,
		processing: proc,
		staging:    staging,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Convert runs one document through the engine and returns the normalized
// document tree. The staged copy of the source is removed before returning.
func (s *DoclingService) Convert(ctx context.Context, taskID, sourcePath string, opts model.ProcessingOptions) (*model.Document, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}

	objectName := taskID + "/" + filepath.Base(sourcePath)
	sourceURL, err := s.staging.Stage(ctx, objectName, f, info.Size(), contentTypeForFile(sourcePath))
	if err != nil {
		return nil, fmt.Errorf("failed to stage source: %w", err)
	}
	defer func() {
		if err := s.staging.Unstage(ctx, objectName); err != nil {
			logger.Warn(ctx, "failed to remove staged source", "object", objectName, "error", err)
		}
	}()

	engineTaskID, err := s.createTask(ctx, sourceURL, taskID, opts)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "engine task created", "engine_task_id", engineTaskID)

	zipURL, err := s.waitForResult(ctx, engineTaskID)
	if err != nil {
		return nil, err
	}

	return s.fetchDocument(ctx, zipURL)
}

// createTask creates a new conversion task on the engine
func (s *DoclingService) createTask(ctx context.Context, sourceURL, dataID string, opts model.ProcessingOptions) (string, error) {
	reqBody := doclingConvertRequest{
		SourceURL: sourceURL,
		DataID:    dataID,
		Options: doclingConvertOptions{
			ForceOCR:    opts.ForceOCR,
			Accelerator: s.processing.AcceleratorDevice,
			NumThreads:  s.processing.NumThreads,
			ImageScale:  engineImageScale,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/convert/task", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var result doclingTaskResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w, body: %s", err, string(body))
	}

	if result.Code != 0 {
		return "", fmt.Errorf("docling API error: %s", result.Message)
	}

	return result.Data.TaskID, nil
}

// getTaskStatus queries the status of an engine task
func (s *DoclingService) getTaskStatus(ctx context.Context, engineTaskID string) (*doclingStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/convert/task/%s", s.config.APIURL, engineTaskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result doclingStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Code != 0 {
		return nil, fmt.Errorf("docling API error: %s", result.Message)
	}

	return &result, nil
}

// waitForResult polls the engine until the task reaches a terminal state or
// the attempt budget runs out. Exhausting the budget fails the conversion.
func (s *DoclingService) waitForResult(ctx context.Context, engineTaskID string) (string, error) {
	interval := time.Duration(s.config.PollIntervalSeconds) * time.Second

	for attempt := 1; attempt <= s.config.PollAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(interval):
			}
		}

		status, err := s.getTaskStatus(ctx, engineTaskID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn(ctx, "engine status query failed", "attempt", attempt, "error", err)
			continue
		}

		switch status.Data.State {
		case engineStateDone:
			return status.Data.ResultZipURL, nil
		case engineStateFailed:
			return "", fmt.Errorf("%w: %s", model.ErrConversionFailed, status.Data.ErrorMsg)
		case engineStateRunning:
			logger.Debug(ctx, "conversion in progress",
				"processed_pages", status.Data.Progress.ProcessedPages,
				"total_pages", status.Data.Progress.TotalPages,
			)
		case engineStatePending:
		}
	}

	return "", fmt.Errorf("%w: engine produced no result after %d polls", model.ErrConversionFailed, s.config.PollAttempts)
}

// fetchDocument downloads the result archive and decodes the normalized
// document tree plus the image payloads it references.
func (s *DoclingService) fetchDocument(ctx context.Context, zipURL string) (*model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download result archive: %w", err)
	}
	defer resp.Body.Close()

	zipData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read result archive: %w", err)
	}

	zipReader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to open result archive: %w", err)
	}

	var wire *doclingDocument
	files := make(map[string][]byte)

	for _, file := range zipReader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if file.Name == "document.json" || strings.HasSuffix(file.Name, "/document.json") {
			content, err := readZipFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read document.json: %w", err)
			}
			var doc doclingDocument
			if err := json.Unmarshal(content, &doc); err != nil {
				return nil, fmt.Errorf("failed to parse document.json: %w", err)
			}
			wire = &doc
			continue
		}
		content, err := readZipFile(file)
		if err != nil {
			logger.Warn(ctx, "failed to read archive member", "name", file.Name, "error", err)
			continue
		}
		files[file.Name] = content
	}

	if wire == nil {
		return nil, fmt.Errorf("%w: no document.json in result archive", model.ErrConversionFailed)
	}

	return buildDocument(ctx, wire, files), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// buildDocument maps the wire tree onto the model, resolving image references
// against the archive contents. Blocks whose payload is missing are dropped.
func buildDocument(ctx context.Context, wire *doclingDocument, files map[string][]byte) *model.Document {
	doc := &model.Document{}

	for _, b := range wire.Blocks {
		switch b.Type {
		case model.BlockText:
			doc.Blocks = append(doc.Blocks, model.Block{
				Type:  model.BlockText,
				Text:  b.Text,
				Level: b.Level,
			})

		case model.BlockTable:
			if b.Table == nil {
				continue
			}
			t := &model.Table{
				RowCount:       b.Table.RowCount,
				ColumnCount:    b.Table.ColumnCount,
				HasMergedCells: b.Table.HasMergedCells,
			}
			for _, c := range b.Table.Cells {
				t.Cells = append(t.Cells, model.TableCell{
					Text:    c.Text,
					Row:     c.Row,
					Col:     c.Col,
					RowSpan: c.RowSpan,
					ColSpan: c.ColSpan,
				})
			}
			doc.Blocks = append(doc.Blocks, model.Block{Type: model.BlockTable, Table: t})

		case model.BlockImage:
			data, ok := files[b.ImagePath]
			if !ok {
				logger.Warn(ctx, "result archive missing referenced image", "path", b.ImagePath)
				continue
			}
			doc.Blocks = append(doc.Blocks, model.Block{
				Type: model.BlockImage,
				Image: &model.Image{
					Data:    data,
					Format:  strings.ToLower(path.Ext(b.ImagePath)),
					Caption: b.Caption,
				},
			})
		}
	}

	return doc
}

func contentTypeForFile(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
