package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/annolab/annobroker/internal/broker"
	"github.com/annolab/annobroker/internal/bundle"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/store"
)

// setupStack starts a real broker on a temp state root and returns an HTTP
// server wired to it. The root lives directly under /tmp to keep the unix
// socket path under the platform limit.
func setupStack(t *testing.T) (*Server, string) {
	t.Helper()
	root, err := os.MkdirTemp("/tmp", "annobroker-http-*")
	if err != nil {
		t.Fatalf("create temp root: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	seedCorpus(t, root)

	b, err := broker.New(root, model.Config{})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("broker.Start: %v", err)
	}
	t.Cleanup(b.Shutdown)

	return New(root, ":0", model.Config{}), root
}

func seedCorpus(t *testing.T, root string) {
	t.Helper()

	for _, v := range []string{"v1", "v2"} {
		path := filepath.Join(root, "videos", "sam", v+".mp4")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("mp4:"+v), 0644); err != nil {
			t.Fatalf("write video: %v", err)
		}
	}

	doc := &model.PoolDocument{
		SchemaVersion: model.PoolSchemaVersion,
		Domain:        model.DomainSAM,
		Unassigned: []model.Task{
			{
				VideoPath: "videos/sam/v1.mp4",
				OutputRef: "annotations/sam/v1.npz",
				Origin:    model.OriginFresh,
			},
			{
				VideoPath: "videos/sam/v2.mp4",
				OutputRef: "annotations/sam/v2.npz",
				Origin:    model.OriginFresh,
			},
		},
	}
	if err := store.New(root).Init(model.DomainSAM, doc); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func readBundleManifest(t *testing.T, data []byte) bundle.Manifest {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != bundle.ManifestEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open manifest: %v", err)
		}
		defer rc.Close()
		var m bundle.Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			t.Fatalf("decode manifest: %v", err)
		}
		return m
	}
	t.Fatal("bundle has no manifest entry")
	return bundle.Manifest{}
}

func TestGetVideo_DeliversBundle(t *testing.T) {
	s, _ := setupStack(t)

	rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "next",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("content type %q", ct)
	}
	if state := rec.Header().Get("X-Assign-State"); state != string(model.StateCommitted) {
		t.Errorf("assign state %q", state)
	}

	m := readBundleManifest(t, rec.Body.Bytes())
	if m.User != "alice" || m.VideoPath != "videos/sam/v1.mp4" {
		t.Errorf("manifest: %+v", m)
	}
	if m.SavePath != "annotations/sam/v1.npz" {
		t.Errorf("save path %q", m.SavePath)
	}
	if m.Counts == nil {
		t.Error("manifest missing progress counts")
	}
}

func TestGetVideo_ExhaustedIsNoContent(t *testing.T) {
	s, _ := setupStack(t)

	body := map[string]any{"username": "alice", "mode": "next"}
	for i := 0; i < 2; i++ {
		if rec := postJSON(t, s, "/get_video_and_anno_sam", body); rec.Code != http.StatusOK {
			t.Fatalf("advance %d: status %d", i, rec.Code)
		}
	}

	rec := postJSON(t, s, "/get_video_and_anno_sam", body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", rec.Code)
	}
	if state := rec.Header().Get("X-Assign-State"); state != string(model.StateExhausted) {
		t.Errorf("assign state %q", state)
	}
}

func TestGetVideo_TakebackRoundTrip(t *testing.T) {
	s, _ := setupStack(t)

	if rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "next",
	}); rec.Code != http.StatusOK {
		t.Fatalf("advance: status %d", rec.Code)
	}

	// First take-back has no earlier entry to re-surface.
	rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "pre", "last_video_path": "videos/sam/v1.mp4",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("take-back: status %d: %s", rec.Code, rec.Body.String())
	}
	if state := rec.Header().Get("X-Assign-State"); state != string(model.StateReverted) {
		t.Errorf("assign state %q", state)
	}

	// The reverted video is offered again.
	rec = postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "next",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("re-advance: status %d", rec.Code)
	}
	if m := readBundleManifest(t, rec.Body.Bytes()); m.VideoPath != "videos/sam/v1.mp4" {
		t.Errorf("re-advance delivered %q", m.VideoPath)
	}
}

func TestGetVideo_TakebackConflict(t *testing.T) {
	s, _ := setupStack(t)

	rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "pre", "last_video_path": "videos/sam/v1.mp4",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestGetVideo_BadMode(t *testing.T) {
	s, _ := setupStack(t)

	rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "sideways",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func buildUploadForm(t *testing.T, m bundle.Manifest, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	mw, err := zw.Create(bundle.ManifestEntry)
	if err != nil {
		t.Fatalf("create manifest entry: %v", err)
	}
	if err := json.NewEncoder(mw).Encode(m); err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	pw, err := zw.Create(bundle.PayloadEntry)
	if err != nil {
		t.Fatalf("create payload entry: %v", err)
	}
	if _, err := pw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	var form bytes.Buffer
	fw := multipart.NewWriter(&form)
	part, err := fw.CreateFormFile("anno_file", "upload.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.Copy(part, &archive); err != nil {
		t.Fatalf("copy archive: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	return &form, fw.FormDataContentType()
}

func TestSaveAnno_WritesPayload(t *testing.T) {
	s, root := setupStack(t)

	if rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "next",
	}); rec.Code != http.StatusOK {
		t.Fatalf("advance: status %d", rec.Code)
	}

	payload := []byte("npz payload bytes")
	form, contentType := buildUploadForm(t, bundle.Manifest{
		User:      "alice",
		Domain:    model.DomainSAM,
		VideoPath: "videos/sam/v1.mp4",
		SavePath:  "annotations/sam/v1.npz",
	}, payload)

	req := httptest.NewRequest(http.MethodPost, "/save_anno", form)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "success") {
		t.Errorf("body %q", rec.Body.String())
	}

	written, err := os.ReadFile(filepath.Join(root, "annotations", "sam", "v1.npz"))
	if err != nil {
		t.Fatalf("read saved annotation: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Errorf("saved payload %q", written)
	}
}

func TestSaveAnno_MismatchLeavesNoFile(t *testing.T) {
	s, root := setupStack(t)

	// v1 was never assigned to bob; the upload must be rejected before any
	// payload write.
	form, contentType := buildUploadForm(t, bundle.Manifest{
		User:      "bob",
		Domain:    model.DomainSAM,
		VideoPath: "videos/sam/v1.mp4",
		SavePath:  "annotations/sam/v1.npz",
	}, []byte("payload"))

	req := httptest.NewRequest(http.MethodPost, "/save_anno", form)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(root, "annotations", "sam", "v1.npz")); !os.IsNotExist(err) {
		t.Errorf("rejected upload left a file behind: %v", err)
	}
}

func TestDrawback(t *testing.T) {
	s, _ := setupStack(t)

	if rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "next",
	}); rec.Code != http.StatusOK {
		t.Fatalf("advance: status %d", rec.Code)
	}

	rec := postJSON(t, s, "/drawback_video_sam", map[string]any{
		"video_path": "videos/sam/v1.mp4",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var result model.DrawbackResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.User != "alice" {
		t.Errorf("result: %+v", result)
	}

	rec = postJSON(t, s, "/drawback_video_sam", map[string]any{
		"video_path": "videos/sam/v1.mp4",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second drawback: status %d, want 404", rec.Code)
	}
}

func TestProgress(t *testing.T) {
	s, _ := setupStack(t)

	rec := postJSON(t, s, "/progress", map[string]any{
		"username": "alice", "domain": "sam",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var result model.ProgressResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.User != "alice" || result.Domain != model.DomainSAM {
		t.Errorf("result: %+v", result)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := setupStack(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status %d", rec.Code)
	}
}

func TestBrokerUnreachableIsBadGateway(t *testing.T) {
	root, err := os.MkdirTemp("/tmp", "annobroker-http-down-*")
	if err != nil {
		t.Fatalf("create temp root: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	// No broker on this root.
	s := New(root, ":0", model.Config{})

	rec := postJSON(t, s, "/get_video_and_anno_sam", map[string]any{
		"username": "alice", "mode": "next",
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status %d, want 502", rec.Code)
	}
}
