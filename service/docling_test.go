package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/empire-tm/DoclingOCRServer/config"
	"github.com/empire-tm/DoclingOCRServer/model"
)

// fakeObjectStorage accepts any upload and delete so staging succeeds without
// a real MinIO server.
func fakeObjectStorage(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Has("location"):
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></LocationConstraint>`)
		case r.Method == http.MethodPut:
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stagingForTest(t *testing.T, srv *httptest.Server) *StagingStore {
	t.Helper()
	staging, err := NewStagingStore(&config.MinioConfig{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:  "test",
		SecretKey:  "test",
		Bucket:     "staging",
		ExpireDays: 7,
	})
	if err != nil {
		t.Fatalf("NewStagingStore: %v", err)
	}
	return staging
}

func writeSourceFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func buildResultZip(t *testing.T, doc doclingDocument, extras map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	f, err := zw.Create("document.json")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}

	for name, content := range extras {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDoclingServiceConvert(t *testing.T) {
	pngData := []byte{0x89, 'P', 'N', 'G'}
	wireDoc := doclingDocument{
		Blocks: []doclingBlock{
			{Type: "text", Text: "Quarterly Report", Level: 1},
			{Type: "text", Text: "Revenue grew."},
			{Type: "table", Table: &doclingTable{
				RowCount:       2,
				ColumnCount:    2,
				HasMergedCells: true,
				Cells: []doclingCell{
					{Text: "Total", Row: 0, Col: 0, RowSpan: 1, ColSpan: 2},
					{Text: "Q1", Row: 1, Col: 0, RowSpan: 1, ColSpan: 1},
					{Text: "Q2", Row: 1, Col: 1, RowSpan: 1, ColSpan: 1},
				},
			}},
			{Type: "image", ImagePath: "images/fig1.png", Caption: "Figure 1"},
		},
	}
	zipData := buildResultZip(t, wireDoc, map[string][]byte{"images/fig1.png": pngData})

	var polls int32
	var createReq doclingConvertRequest

	mux := http.NewServeMux()
	var engine *httptest.Server
	mux.HandleFunc("/convert/task", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&createReq); err != nil {
			t.Errorf("Bad create request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "msg": "ok",
			"data": map[string]any{"task_id": "eng-1"},
		})
	})
	mux.HandleFunc("/convert/task/eng-1", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"task_id":  "eng-1",
			"state":    engineStateRunning,
			"progress": map[string]int{"processed_pages": 1, "total_pages": 2},
		}
		if atomic.AddInt32(&polls, 1) >= 2 {
			data["state"] = engineStateDone
			data["result_zip_url"] = engine.URL + "/result.zip"
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": data})
	})
	mux.HandleFunc("/result.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipData)
	})
	engine = httptest.NewServer(mux)
	defer engine.Close()

	svc := NewDoclingService(
		&config.DoclingConfig{APIURL: engine.URL, APIToken: "test-token", PollAttempts: 10},
		&config.ProcessingConfig{AcceleratorDevice: config.AcceleratorCPU, NumThreads: 4},
		stagingForTest(t, fakeObjectStorage(t)),
	)

	doc, err := svc.Convert(context.Background(), "task-1", writeSourceFile(t, "report.pdf"), model.ProcessingOptions{
		ForceOCR:    true,
		TableFormat: model.TableFormatAuto,
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if !createReq.Options.ForceOCR {
		t.Error("Expected force_ocr to be passed to the engine")
	}
	if createReq.Options.Accelerator != config.AcceleratorCPU {
		t.Errorf("Expected accelerator cpu, got %s", createReq.Options.Accelerator)
	}
	if createReq.DataID != "task-1" {
		t.Errorf("Expected data_id task-1, got %s", createReq.DataID)
	}
	if createReq.SourceURL == "" {
		t.Error("Expected a staged source URL")
	}

	if len(doc.Blocks) != 4 {
		t.Fatalf("Expected 4 blocks, got %d", len(doc.Blocks))
	}
	if doc.Blocks[0].Type != model.BlockText || doc.Blocks[0].Level != 1 {
		t.Errorf("Unexpected first block: %+v", doc.Blocks[0])
	}
	table := doc.Blocks[2].Table
	if table == nil || !table.HasMergedCells || len(table.Cells) != 3 {
		t.Errorf("Unexpected table block: %+v", table)
	}
	img := doc.Blocks[3].Image
	if img == nil || !bytes.Equal(img.Data, pngData) {
		t.Fatalf("Unexpected image block: %+v", img)
	}
	if img.Format != ".png" {
		t.Errorf("Expected .png format, got %s", img.Format)
	}
	if img.Caption != "Figure 1" {
		t.Errorf("Expected caption, got %s", img.Caption)
	}
}

func TestDoclingServiceCreateTaskError(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 1, "msg": "unsupported source"})
	}))
	defer engine.Close()

	svc := NewDoclingService(
		&config.DoclingConfig{APIURL: engine.URL, APIToken: "t", PollAttempts: 1},
		&config.ProcessingConfig{AcceleratorDevice: config.AcceleratorCPU},
		stagingForTest(t, fakeObjectStorage(t)),
	)

	_, err := svc.Convert(context.Background(), "task-1", writeSourceFile(t, "doc.pdf"), model.ProcessingOptions{})
	if err == nil || !strings.Contains(err.Error(), "unsupported source") {
		t.Errorf("Expected engine error message, got %v", err)
	}
}

func TestDoclingServiceEngineFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/convert/task", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{"task_id": "eng-2"}})
	})
	mux.HandleFunc("/convert/task/eng-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "eng-2", "state": engineStateFailed, "err_msg": "ocr crashed"},
		})
	})
	engine := httptest.NewServer(mux)
	defer engine.Close()

	svc := NewDoclingService(
		&config.DoclingConfig{APIURL: engine.URL, APIToken: "t", PollAttempts: 3},
		&config.ProcessingConfig{AcceleratorDevice: config.AcceleratorCPU},
		stagingForTest(t, fakeObjectStorage(t)),
	)

	_, err := svc.Convert(context.Background(), "task-2", writeSourceFile(t, "doc.pdf"), model.ProcessingOptions{})
	if !errors.Is(err, model.ErrConversionFailed) {
		t.Fatalf("Expected ErrConversionFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "ocr crashed") {
		t.Errorf("Expected engine error detail, got %v", err)
	}
}

func TestDoclingServicePollBudgetExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/convert/task", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{"task_id": "eng-3"}})
	})
	mux.HandleFunc("/convert/task/eng-3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "eng-3", "state": engineStatePending},
		})
	})
	engine := httptest.NewServer(mux)
	defer engine.Close()

	svc := NewDoclingService(
		&config.DoclingConfig{APIURL: engine.URL, APIToken: "t", PollAttempts: 2},
		&config.ProcessingConfig{AcceleratorDevice: config.AcceleratorCPU},
		stagingForTest(t, fakeObjectStorage(t)),
	)

	_, err := svc.Convert(context.Background(), "task-3", writeSourceFile(t, "doc.pdf"), model.ProcessingOptions{})
	if !errors.Is(err, model.ErrConversionFailed) {
		t.Fatalf("Expected ErrConversionFailed after poll budget, got %v", err)
	}
}

func TestBuildDocumentDropsUnresolvable(t *testing.T) {
	wire := &doclingDocument{
		Blocks: []doclingBlock{
			{Type: "text", Text: "kept"},
			{Type: "image", ImagePath: "images/missing.png"},
			{Type: "table"},
			{Type: "unknown-kind", Text: "ignored"},
		},
	}

	doc := buildDocument(context.Background(), wire, map[string][]byte{})
	if len(doc.Blocks) != 1 {
		t.Fatalf("Expected 1 surviving block, got %d", len(doc.Blocks))
	}
	if doc.Blocks[0].Text != "kept" {
		t.Errorf("Unexpected surviving block: %+v", doc.Blocks[0])
	}
}

func TestContentTypeForFile(t *testing.T) {
	if got := contentTypeForFile("report.pdf"); got != "application/pdf" {
		t.Errorf("Expected application/pdf, got %s", got)
	}
	if got := contentTypeForFile("file.xyz123"); got != "application/octet-stream" {
		t.Errorf("Expected fallback content type, got %s", got)
	}
}
