package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firewatch/internal/alerts"
	"firewatch/internal/config"
	"firewatch/internal/logging"
	"firewatch/internal/media"
	"firewatch/internal/metrics"
	"firewatch/internal/model"
	"firewatch/internal/storage"
)

func newTestServer(t *testing.T, store storage.Store) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Camera.ID = "cam-1"
	m := metrics.NewStore(10)
	m.Observe("cam-1", model.DetectionSample{Fire: 2}, time.Now(), true, map[string]string{"fire": "active"})
	a := alerts.NewStore(10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		a.Add(model.Alert{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Category:  model.CategoryFire,
			Request:   model.AlertRequest{LogType: model.LogTypeFire, CameraID: "cam-1", RecognizedObjects: "Warning! Fire detected"},
			Status:    model.DeliveryPending,
		})
	}
	s := NewServer(Options{
		Config:  cfg,
		Metrics: m,
		Alerts:  a,
		Store:   store,
		Videos:  media.NewServer(dir, 1<<20, logging.Discard()),
		Logger:  logging.Discard(),
		Version: "test",
	})
	return s, dir
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s.Handler(), http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	body := decode(t, rec)
	camera := body["camera"].(map[string]any)
	if body["status"] != "ok" || camera["id"] != "cam-1" {
		t.Fatalf("body: %v", body)
	}
}

func TestAlertsLimitAndSince(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	if body := decode(t, do(h, http.MethodGet, "/alerts?limit=2")); body["count"] != float64(2) {
		t.Fatalf("limit: %v", body["count"])
	}
	if body := decode(t, do(h, http.MethodGet, "/alerts?since=2026-03-01T12:01:00Z")); body["count"] != float64(2) {
		t.Fatalf("since: %v", body["count"])
	}
	s.alerts.SetStatus("b", model.DeliveryFailed, 503)
	body := decode(t, do(h, http.MethodGet, "/alerts?status=failed&category=fire"))
	if body["count"] != float64(1) {
		t.Fatalf("status filter: %v", body)
	}
	if counts := body["by_status"].(map[string]any); counts["failed"] != float64(1) || counts["pending"] != float64(2) {
		t.Fatalf("by_status: %v", counts)
	}
	if rec := do(h, http.MethodGet, "/alerts?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}
}

func TestMetricsByCamera(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	body := decode(t, do(h, http.MethodGet, "/metrics/cam-1"))
	if body["frames_processed"] != float64(1) {
		t.Fatalf("metrics: %v", body)
	}
	if rec := do(h, http.MethodGet, "/metrics/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown camera: %d", rec.Code)
	}
}

func TestClipsFromStore(t *testing.T) {
	store, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "clips.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	clip := model.Clip{Filename: "cam-1_x.mjpeg", CameraID: "cam-1", Codec: "mjpeg", FrameRate: 10, StartedAt: time.Now(), EndedAt: time.Now(), Frames: 10}
	if err := store.SaveClip(ctx, clip); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, _ := newTestServer(t, store)
	h := s.Handler()
	if body := decode(t, do(h, http.MethodGet, "/clips?limit=5")); body["count"] != float64(1) {
		t.Fatalf("clips: %v", body)
	}
	if body := decode(t, do(h, http.MethodGet, "/clips/cam-1_x.mjpeg")); body["filename"] != "cam-1_x.mjpeg" {
		t.Fatalf("clip: %v", body)
	}
	if rec := do(h, http.MethodGet, "/clips/missing.mjpeg"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing clip: %d", rec.Code)
	}
}

func TestVideoRouted(t *testing.T) {
	s, dir := newTestServer(t, nil)
	if err := os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte(strings.Repeat("x", 64)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/video/clip.mp4", nil)
	req.Header.Set("Range", "bytes=0-9")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Header().Get("Content-Range") != "bytes 0-9/64" {
		t.Fatalf("video: %d %s", rec.Code, rec.Header().Get("Content-Range"))
	}
}

func TestClearAlerts(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	req := httptest.NewRequest(http.MethodPost, "/admin/clear", strings.NewReader(`{"target":"alerts"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	if body := decode(t, do(h, http.MethodGet, "/alerts")); body["count"] != float64(0) {
		t.Fatalf("alerts after clear: %v", body["count"])
	}
	if rec := do(h, http.MethodGet, "/clear"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", rec.Code)
	}
}
