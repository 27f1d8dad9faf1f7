package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firewatch/internal/alerts"
	"firewatch/internal/config"
	"firewatch/internal/logging"
	"firewatch/internal/metrics"
	"firewatch/internal/model"
	"firewatch/internal/notify"
	"firewatch/internal/storage"
)

type captureSender struct {
	mu   sync.Mutex
	reqs []notify.Request
	full bool
}

func (c *captureSender) Send(req notify.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.reqs = append(c.reqs, req)
	return true
}

func (c *captureSender) payloads() []model.AlertRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.AlertRequest, 0, len(c.reqs))
	for _, r := range c.reqs {
		out = append(out, r.Payload.(model.AlertRequest))
	}
	return out
}

type fakeRecorder struct {
	current  string
	starts   int
	finishes int
	updates  int
}

func (f *fakeRecorder) Update(model.Frame) { f.updates++ }

func (f *fakeRecorder) Start(filename, codec string, frameRate int) error {
	f.starts++
	f.current = filename
	return nil
}

func (f *fakeRecorder) Finish() (model.Clip, error) {
	f.finishes++
	name := f.current
	f.current = ""
	return model.Clip{Filename: name}, nil
}

func (f *fakeRecorder) Recording() bool { return f.current != "" }

func (f *fakeRecorder) Current() string { return f.current }

// flakyRecorder fails the first failStarts calls to Start.
type flakyRecorder struct {
	fakeRecorder
	failStarts int
	attempts   int
}

func (f *flakyRecorder) Start(filename, codec string, frameRate int) error {
	f.attempts++
	if f.failStarts > 0 {
		f.failStarts--
		return errors.New("ffmpeg not found")
	}
	return f.fakeRecorder.Start(filename, codec, frameRate)
}

type memStore struct {
	mu     sync.Mutex
	alerts map[string]model.Alert
}

func (m *memStore) Init(context.Context) error { return nil }

func (m *memStore) Close() error { return nil }

func (m *memStore) SaveAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alerts == nil {
		m.alerts = make(map[string]model.Alert)
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *memStore) SaveClip(context.Context, model.Clip) error { return nil }

func (m *memStore) ListClips(context.Context, int) ([]model.Clip, error) { return nil, nil }

func (m *memStore) GetClip(context.Context, string) (model.Clip, error) {
	return model.Clip{}, storage.ErrNotFound
}

func (m *memStore) get(id string) (model.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	return a, ok
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Camera.ID = "cam-1"
	cfg.Notify.APIBaseURL = "http://api.local/"
	return cfg
}

func newEngineForTest(cfg *config.Config, sender Sender, rec Recorder) *Engine {
	return NewEngine(cfg, logging.Discard(), metrics.NewStore(10), alerts.NewStore(100), nil, sender, rec)
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(sec int) model.Frame {
	return model.Frame{Seq: uint64(sec), Timestamp: t0.Add(time.Duration(sec) * time.Second)}
}

func fire(n int) model.DetectionSample { return model.DetectionSample{Fire: n} }

func TestResendEveryInterval(t *testing.T) {
	sender := &captureSender{}
	eng := newEngineForTest(testConfig(), sender, &fakeRecorder{})
	var alertSecs []int
	for sec := 0; sec <= 30; sec++ {
		if out := eng.Process(at(sec), fire(1)); len(out) > 0 {
			alertSecs = append(alertSecs, sec)
		}
	}
	want := []int{0, 10, 20, 30}
	if len(alertSecs) != len(want) {
		t.Fatalf("alerts at %v, want %v", alertSecs, want)
	}
	for i := range want {
		if alertSecs[i] != want[i] {
			t.Fatalf("alerts at %v, want %v", alertSecs, want)
		}
	}
	if got := len(sender.payloads()); got != 4 {
		t.Fatalf("sent %d", got)
	}
}

func TestRedetectionDuringCooldownContinuesClip(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &captureSender{}
	eng := newEngineForTest(testConfig(), sender, rec)
	for sec := 0; sec <= 2; sec++ {
		eng.Process(at(sec), fire(1))
	}
	for sec := 3; sec <= 5; sec++ {
		eng.Process(at(sec), fire(0))
	}
	eng.Process(at(6), fire(1))
	if rec.starts != 1 || rec.finishes != 0 {
		t.Fatalf("starts=%d finishes=%d", rec.starts, rec.finishes)
	}
	if got := len(sender.payloads()); got != 1 {
		t.Fatalf("continuation must not re-alert, sent %d", got)
	}
	for sec := 7; sec <= 10; sec++ {
		eng.Process(at(sec), fire(0))
		if rec.finishes != 0 {
			t.Fatalf("finished early at %ds", sec)
		}
	}
	eng.Process(at(11), fire(0))
	eng.Process(at(12), fire(0))
	if rec.finishes != 1 {
		t.Fatalf("finishes=%d", rec.finishes)
	}
	if rec.updates != 13 {
		t.Fatalf("updates=%d", rec.updates)
	}
}

func TestFinishExactlyAtCooldown(t *testing.T) {
	rec := &fakeRecorder{}
	eng := newEngineForTest(testConfig(), &captureSender{}, rec)
	eng.Process(at(0), fire(2))
	for sec := 1; sec <= 4; sec++ {
		eng.Process(at(sec), fire(0))
	}
	if rec.finishes != 0 {
		t.Fatalf("finished before cooldown")
	}
	eng.Process(at(5), fire(0))
	if rec.finishes != 1 || rec.Recording() {
		t.Fatalf("finishes=%d recording=%v", rec.finishes, rec.Recording())
	}
	eng.Process(at(20), fire(1))
	if rec.starts != 2 {
		t.Fatalf("new event should start a new clip, starts=%d", rec.starts)
	}
}

func TestCompositeMonitorIsIndependent(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &captureSender{}
	eng := newEngineForTest(testConfig(), sender, rec)
	out := eng.Process(at(0), model.DetectionSample{Fire: 1, Persons: 2})
	if len(out) != 2 {
		t.Fatalf("expected fire and fire_person alerts, got %d", len(out))
	}
	for sec := 1; sec <= 9; sec++ {
		eng.Process(at(sec), fire(1))
	}
	st := eng.Status()
	if st.Monitors[0].Phase != PhaseActive || st.Monitors[1].Phase != PhaseIdle {
		t.Fatalf("phases: %+v", st.Monitors)
	}
	if rec.starts != 1 || rec.finishes != 0 {
		t.Fatalf("one clip must cover both monitors: starts=%d finishes=%d", rec.starts, rec.finishes)
	}
	out = eng.Process(at(10), fire(1))
	if len(out) != 1 || out[0].Category != model.CategoryFire {
		t.Fatalf("resend: %+v", out)
	}
	payloads := sender.payloads()
	if payloads[1].LogType != model.LogTypeFirePerson || payloads[1].RecognizedObjects != "Warning!!! People and fire detected" {
		t.Fatalf("composite payload: %+v", payloads[1])
	}
}

func TestAlertCarriesClipFilename(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &captureSender{}
	eng := newEngineForTest(testConfig(), sender, rec)
	out := eng.Process(at(0), fire(1))
	if len(out) != 1 {
		t.Fatalf("alerts: %d", len(out))
	}
	name := out[0].Request.Filename
	if name == "" || name != rec.current {
		t.Fatalf("filename %q, clip %q", name, rec.current)
	}
	if !strings.HasPrefix(name, "cam-1_20260102_030405_") || !strings.HasSuffix(name, ".mjpeg") {
		t.Fatalf("clip name: %s", name)
	}
	sender.mu.Lock()
	req := sender.reqs[0]
	sender.mu.Unlock()
	if req.Endpoint != "http://api.local/logs" || req.Method != notify.MethodPost {
		t.Fatalf("request: %s %s", req.Method, req.Endpoint)
	}
}

func TestSkewedClockDoesNotFinishEarly(t *testing.T) {
	rec := &fakeRecorder{}
	eng := newEngineForTest(testConfig(), &captureSender{}, rec)
	eng.Process(at(10), fire(1))
	eng.Process(at(2), fire(0))
	if rec.finishes != 0 {
		t.Fatalf("backwards clock finished the clip")
	}
	eng.Process(at(15), fire(0))
	if rec.finishes != 1 {
		t.Fatalf("finishes=%d", rec.finishes)
	}
}

func TestDroppedAlertIsCounted(t *testing.T) {
	cfg := testConfig()
	m := metrics.NewStore(10)
	eng := NewEngine(cfg, logging.Discard(), m, alerts.NewStore(10), nil, &captureSender{full: true}, nil)
	eng.Process(at(0), fire(1))
	snap, ok := m.Get(cfg.Camera.ID)
	if !ok || snap.AlertsDropped != 1 || snap.AlertsEmitted != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestAlertDeliveredThroughNotifier(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		if r.URL.Path == "/logs" {
			got <- body
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Notify.APIBaseURL = srv.URL
	alertStore := alerts.NewStore(10)
	n := notify.New(notify.NewHTTPTransport(srv.Client()), notify.Options{Workers: 1, QueueSize: 4}, logging.Discard())
	eng := NewEngine(cfg, logging.Discard(), metrics.NewStore(10), alertStore, nil, n, &fakeRecorder{})

	out := eng.Process(at(0), model.DetectionSample{Fire: 3})
	select {
	case body := <-got:
		if body["log_type"] != float64(1) || body["camera_id"] != "cam-1" || body["recognized_objects"] != "Warning! Fire detected" {
			t.Fatalf("payload: %v", body)
		}
		if body["filename"] != out[0].Request.Filename {
			t.Fatalf("filename: %v", body["filename"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not delivered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	list := alertStore.List(1)
	if len(list) != 1 || list[0].Status != model.DeliverySent || list[0].StatusCode != http.StatusCreated {
		t.Fatalf("stored alert: %+v", list)
	}
}

var errSourceDone = errors.New("source done")

type sliceSource struct {
	frames []model.Frame
}

func (s *sliceSource) Next(ctx context.Context) (model.Frame, error) {
	if len(s.frames) == 0 {
		return model.Frame{}, errSourceDone
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error { return nil }

type scriptedDetector struct {
	samples map[uint64]model.DetectionSample
	fail    map[uint64]bool
}

func (d scriptedDetector) Detect(_ context.Context, f model.Frame) (model.DetectionSample, error) {
	if d.fail[f.Seq] {
		return model.DetectionSample{}, errors.New("sidecar down")
	}
	return d.samples[f.Seq], nil
}

type capturePublisher struct {
	published int
	closed    bool
}

func (p *capturePublisher) Publish(model.Frame) { p.published++ }

func (p *capturePublisher) Close() { p.closed = true }

func TestRunProcessesUntilSourceFails(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &captureSender{}
	m := metrics.NewStore(10)
	cfg := testConfig()
	eng := NewEngine(cfg, logging.Discard(), m, alerts.NewStore(10), nil, sender, rec)
	src := &sliceSource{frames: []model.Frame{at(0), at(1), at(2)}}
	det := scriptedDetector{
		samples: map[uint64]model.DetectionSample{0: fire(1)},
		fail:    map[uint64]bool{2: true},
	}
	pub := &capturePublisher{}
	err := eng.Run(context.Background(), src, det, pub)
	if !errors.Is(err, errSourceDone) {
		t.Fatalf("run: %v", err)
	}
	if pub.published != 3 || !pub.closed {
		t.Fatalf("publisher: %+v", pub)
	}
	snap, _ := m.Get(cfg.Camera.ID)
	if snap.FramesProcessed != 3 || snap.DetectorErrors != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.finishes != 1 {
		t.Fatalf("close should finish the open clip, finishes=%d", rec.finishes)
	}
}

func TestFailedDeliveryIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Notify.APIBaseURL = srv.URL
	alertStore := alerts.NewStore(10)
	store := &memStore{}
	n := notify.New(notify.NewHTTPTransport(srv.Client()), notify.Options{Workers: 1, QueueSize: 4}, logging.Discard())
	eng := NewEngine(cfg, logging.Discard(), metrics.NewStore(10), alertStore, store, n, nil)

	out := eng.Process(at(0), fire(1))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s := n.Stats(); s.Failed != 1 {
		t.Fatalf("notifier stats: %+v", s)
	}
	got, ok := alertStore.Get(out[0].ID)
	if !ok || got.Status != model.DeliveryFailed || got.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("alert history: %+v", got)
	}
	saved, ok := store.get(out[0].ID)
	if !ok || saved.Status != model.DeliveryFailed {
		t.Fatalf("persisted alert: %+v", saved)
	}
}

func TestRejectedAlertIsMarkedFailed(t *testing.T) {
	alertStore := alerts.NewStore(10)
	eng := NewEngine(testConfig(), logging.Discard(), metrics.NewStore(10), alertStore, nil, &captureSender{full: true}, nil)
	out := eng.Process(at(0), fire(1))
	got, ok := alertStore.Get(out[0].ID)
	if !ok || got.Status != model.DeliveryFailed {
		t.Fatalf("alert: %+v", got)
	}
}

func TestClipStartRetriedWhileEventLasts(t *testing.T) {
	rec := &flakyRecorder{failStarts: 1}
	m := metrics.NewStore(10)
	cfg := testConfig()
	eng := NewEngine(cfg, logging.Discard(), m, alerts.NewStore(10), nil, &captureSender{}, rec)

	out := eng.Process(at(0), fire(1))
	if rec.attempts != 1 || rec.Recording() || out[0].Request.Filename != "" {
		t.Fatalf("first start: attempts=%d recording=%v", rec.attempts, rec.Recording())
	}
	half := model.Frame{Seq: 100, Timestamp: t0.Add(500 * time.Millisecond)}
	eng.Process(half, fire(1))
	if rec.attempts != 1 {
		t.Fatalf("retried before the interval: attempts=%d", rec.attempts)
	}
	eng.Process(at(1), fire(1))
	if rec.attempts != 2 || !rec.Recording() {
		t.Fatalf("retry: attempts=%d recording=%v", rec.attempts, rec.Recording())
	}
	for sec := 2; sec < 10; sec++ {
		eng.Process(at(sec), fire(1))
	}
	out = eng.Process(at(10), fire(1))
	if len(out) != 1 || out[0].Request.Filename == "" || out[0].Request.Filename != rec.Current() {
		t.Fatalf("resend should carry the retried clip: %+v", out)
	}
	snap, _ := m.Get(cfg.Camera.ID)
	if snap.ClipStartErrors != 1 || snap.ClipErrors != 0 || snap.ClipsFinished != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}
