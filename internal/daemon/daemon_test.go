package daemon

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/quilt/internal/config"
	"github.com/banksean/quilt/pkg/quiltapi"
)

// newTestDaemon builds a Daemon wired against a throwaway directory
// without calling ServeUnix, so handlers can be exercised directly
// through httptest without a real listener or privileged namespaces.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "quilt.db")
	cfg.LayersBase = filepath.Join(dir, "layers")
	cfg.RootfsBase = filepath.Join(dir, "containers")
	cfg.ReadinessMarkerDir = filepath.Join(dir, "readiness")
	cfg.SocketPath = filepath.Join(dir, "quiltd.sock")

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func writeTestImage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "image.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("write image: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatalf("write image: %v", err)
	}
	tw.Close()
	gz.Close()
	return path
}

func doJSON(d *Daemon, handler func(http.ResponseWriter, *http.Request), method, url string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleCreateAndGetStatus(t *testing.T) {
	d := newTestDaemon(t)
	imagePath := writeTestImage(t, t.TempDir())

	rec := doJSON(d, d.handleCreate, "POST", "/containers/create", quiltapi.CreateRequest{
		ImagePath: imagePath,
		Argv:      []string{"/bin/sh"},
	})
	if rec.Code != 200 {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created quiltapi.CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ContainerID == "" {
		t.Fatal("expected non-empty container id")
	}

	rec = doJSON(d, d.handleGetStatus, "GET", "/containers/get?id="+created.ContainerID, nil)
	if rec.Code != 200 {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var status quiltapi.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "created" {
		t.Errorf("state = %s, want created", status.State)
	}
}

func TestHandleCreateRejectsMissingArgv(t *testing.T) {
	d := newTestDaemon(t)
	imagePath := writeTestImage(t, t.TempDir())

	rec := doJSON(d, d.handleCreate, "POST", "/containers/create", quiltapi.CreateRequest{
		ImagePath: imagePath,
	})
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
	var errResp quiltapi.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Kind != "validation" {
		t.Errorf("kind = %s, want validation", errResp.Kind)
	}
}

func TestHandleGetStatusUnknownContainerIsNotFound(t *testing.T) {
	d := newTestDaemon(t)
	rec := doJSON(d, d.handleGetStatus, "GET", "/containers/get?id=nope", nil)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListReturnsCreatedContainer(t *testing.T) {
	d := newTestDaemon(t)
	imagePath := writeTestImage(t, t.TempDir())

	doJSON(d, d.handleCreate, "POST", "/containers/create", quiltapi.CreateRequest{
		ImagePath: imagePath,
		Argv:      []string{"/bin/sh"},
	})

	rec := doJSON(d, d.handleList, "GET", "/containers/list", nil)
	if rec.Code != 200 {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var statuses []quiltapi.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 container, got %d", len(statuses))
	}
}

func TestHandleLaunchTaskRejectsNonRunningContainer(t *testing.T) {
	d := newTestDaemon(t)
	imagePath := writeTestImage(t, t.TempDir())

	rec := doJSON(d, d.handleCreate, "POST", "/containers/create", quiltapi.CreateRequest{
		ImagePath: imagePath,
		Argv:      []string{"/bin/sh"},
	})
	var created quiltapi.CreateResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(d, d.handleLaunchTask, "POST", "/tasks/launch?id="+created.ContainerID, quiltapi.LaunchTaskRequest{
		Argv: []string{"echo", "hi"},
	})
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400 (container not running), body = %s", rec.Code, rec.Body.String())
	}
}
