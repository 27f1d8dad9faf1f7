package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"firewatch/internal/alerts"
	"firewatch/internal/config"
	"firewatch/internal/metrics"
	"firewatch/internal/model"
	"firewatch/internal/notify"
	"firewatch/internal/recorder"
	"firewatch/internal/storage"
)

// Sender hands an alert to the async notifier. It must not block.
type Sender interface {
	Send(req notify.Request) bool
}

// Recorder is the clip writer driven by the frame loop.
type Recorder interface {
	Update(frame model.Frame)
	Start(filename, codec string, frameRate int) error
	Finish() (model.Clip, error)
	Recording() bool
	Current() string
}

type FrameSource interface {
	Next(ctx context.Context) (model.Frame, error)
	Close() error
}

type Detector interface {
	Detect(ctx context.Context, frame model.Frame) (model.DetectionSample, error)
}

// Publisher receives every processed frame for the live preview.
type Publisher interface {
	Publish(frame model.Frame)
	Close()
}

// Monitor is one debounced condition derived from a detection sample.
type Monitor struct {
	Category model.Category
	LogType  model.LogType
	Message  string
	Count    func(model.DetectionSample) int
	state    EventState
}

// DefaultMonitors watches for fire, and for fire with people in frame.
func DefaultMonitors() []*Monitor {
	return []*Monitor{
		{
			Category: model.CategoryFire,
			LogType:  model.LogTypeFire,
			Message:  "Warning! Fire detected",
			Count:    func(s model.DetectionSample) int { return s.Fire },
		},
		{
			Category: model.CategoryFirePerson,
			LogType:  model.LogTypeFirePerson,
			Message:  "Warning!!! People and fire detected",
			Count: func(s model.DetectionSample) int {
				if s.Fire > 0 && s.Persons > 0 {
					return min(s.Fire, s.Persons)
				}
				return 0
			},
		},
	}
}

type MonitorStatus struct {
	Category model.Category `json:"category"`
	Phase    Phase          `json:"phase"`
	State    EventState     `json:"state"`
}

type Status struct {
	CameraID   string                `json:"camera_id"`
	Recording  bool                  `json:"recording"`
	Clip       string                `json:"clip,omitempty"`
	Frames     uint64                `json:"frames"`
	LastSample model.DetectionSample `json:"last_sample"`
	Monitors   []MonitorStatus       `json:"monitors"`
	StartedAt  time.Time             `json:"started_at"`
}

type Engine struct {
	cfg      *config.Config
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Store
	alerts   *alerts.Store
	store    storage.Store
	sender   Sender
	rec      Recorder
	monitors []*Monitor

	mu         sync.Mutex
	frames     uint64
	lastSample model.DetectionSample
	retryClip  time.Time
	started    time.Time
	now        func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, alertsStore *alerts.Store, store storage.Store, sender Sender, rec Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	policy := Policy{
		ResendInterval: cfg.Debounce.ResendInterval,
		CooldownWindow: cfg.Debounce.CooldownWindow,
	}
	return &Engine{
		cfg:      cfg,
		policy:   policy,
		logger:   logger.With("component", "engine", "camera_id", cfg.Camera.ID),
		metrics:  metricsStore,
		alerts:   alertsStore,
		store:    store,
		sender:   sender,
		rec:      rec,
		monitors: DefaultMonitors(),
		started:  time.Now().UTC(),
		now:      time.Now,
	}
}

// Process runs one frame through the monitors, the notifier and the clip
// writer, in that order, and returns the alerts it emitted.
func (e *Engine) Process(frame model.Frame, sample model.DetectionSample) []model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := frame.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	e.frames++
	e.lastSample = sample

	var start bool
	notifying := make([]*Monitor, 0, len(e.monitors))
	for _, m := range e.monitors {
		next, d := Step(m.state, at, max(m.Count(sample), 0), e.policy)
		if next.Phase() != m.state.Phase() {
			e.logger.Debug("monitor phase changed",
				"category", m.Category,
				"from", m.state.Phase(),
				"to", next.Phase(),
			)
		}
		m.state = next
		if d.StartRecording {
			start = true
		}
		if d.Notify {
			notifying = append(notifying, m)
		}
	}

	if e.rec != nil {
		// A failed start is retried while the event lasts.
		if !e.rec.Recording() && !e.allIdle() && (start || !at.Before(e.retryClip)) {
			e.startClip(at)
		}
		e.rec.Update(frame)
		if e.rec.Recording() && e.allIdle() {
			_, err := e.rec.Finish()
			if err != nil {
				e.logger.Error("clip finish failed", "err", err)
			}
			if e.metrics != nil {
				e.metrics.ClipFinished(e.cfg.Camera.ID, err)
			}
		}
	}

	out := make([]model.Alert, 0, len(notifying))
	for _, m := range notifying {
		out = append(out, e.emit(m, at))
	}

	if e.metrics != nil {
		e.metrics.Observe(e.cfg.Camera.ID, sample, at, e.rec != nil && e.rec.Recording(), e.phases())
	}
	return out
}

const clipRetryInterval = time.Second

func (e *Engine) startClip(at time.Time) {
	codec := e.cfg.Recording.Codec
	name := clipName(e.cfg.Camera.ID, at, codec)
	if err := e.rec.Start(name, codec, e.cfg.Camera.FrameRate); err != nil {
		e.retryClip = at.Add(clipRetryInterval)
		e.logger.Error("clip start failed", "filename", name, "retry_at", e.retryClip, "err", err)
		if e.metrics != nil {
			e.metrics.ClipStartFailed(e.cfg.Camera.ID)
		}
		return
	}
	e.retryClip = time.Time{}
}

// clipName builds "<camera>_<yyyymmdd_hhmmss>_<id><ext>".
func clipName(cameraID string, at time.Time, codec string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	cam := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, cameraID)
	return fmt.Sprintf("%s_%s_%s%s", cam, at.UTC().Format("20060102_150405"), id, recorder.Extension(codec))
}

func (e *Engine) emit(m *Monitor, at time.Time) model.Alert {
	req := model.AlertRequest{
		LogType:           m.LogType,
		CameraID:          e.cfg.Camera.ID,
		RecognizedObjects: m.Message,
	}
	if e.rec != nil {
		req.Filename = e.rec.Current()
	}
	alert := model.Alert{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		Category:  m.Category,
		Request:   req,
		Status:    model.DeliveryPending,
	}
	if e.alerts != nil {
		e.alerts.Add(alert)
	}
	e.logger.Warn("alert triggered",
		"alert_id", alert.ID,
		"category", alert.Category,
		"log_type", int(req.LogType),
		"filename", req.Filename,
	)

	queued := false
	if e.sender != nil {
		queued = e.sender.Send(notify.Request{
			Method:     notify.MethodPost,
			Endpoint:   strings.TrimRight(e.cfg.Notify.APIBaseURL, "/") + "/logs",
			Payload:    req,
			Key:        req.CameraID,
			Timeout:    e.cfg.Notify.Timeout,
			OnResponse: func(resp *notify.Response) {
				e.settle(alert, model.DeliverySent, resp.StatusCode)
			},
			OnError: func(err error) {
				code := 0
				var se *notify.StatusError
				if errors.As(err, &se) {
					code = se.StatusCode
				}
				e.settle(alert, model.DeliveryFailed, code)
			},
		})
	}
	if !queued {
		e.logger.Warn("alert not queued", "alert_id", alert.ID)
		if e.alerts != nil {
			e.alerts.SetStatus(alert.ID, model.DeliveryFailed, 0)
		}
		if e.store != nil {
			go e.settle(alert, model.DeliveryFailed, 0)
		}
	}
	if e.metrics != nil {
		e.metrics.AlertEmitted(e.cfg.Camera.ID, !queued)
	}
	return alert
}

// settle records the delivery outcome of alert in memory and in storage. It
// runs off the frame loop.
func (e *Engine) settle(alert model.Alert, status model.DeliveryStatus, code int) {
	alert.Status = status
	alert.StatusCode = code
	if e.alerts != nil {
		e.alerts.SetStatus(alert.ID, status, code)
	}
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		e.logger.Warn("alert persist failed", "alert_id", alert.ID, "status", status, "err", err)
	}
}

func (e *Engine) allIdle() bool {
	for _, m := range e.monitors {
		if !m.state.Idle() {
			return false
		}
	}
	return true
}

func (e *Engine) phases() map[string]string {
	out := make(map[string]string, len(e.monitors))
	for _, m := range e.monitors {
		out[string(m.Category)] = string(m.state.Phase())
	}
	return out
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		CameraID:   e.cfg.Camera.ID,
		Frames:     e.frames,
		LastSample: e.lastSample,
		StartedAt:  e.started,
		Monitors:   make([]MonitorStatus, 0, len(e.monitors)),
	}
	if e.rec != nil {
		st.Recording = e.rec.Recording()
		st.Clip = e.rec.Current()
	}
	for _, m := range e.monitors {
		st.Monitors = append(st.Monitors, MonitorStatus{Category: m.Category, Phase: m.state.Phase(), State: m.state})
	}
	return st
}

// Run reads, detects and processes frames until ctx is cancelled or the
// source fails. The live publisher is closed on return.
func (e *Engine) Run(ctx context.Context, source FrameSource, detector Detector, live Publisher) error {
	if live != nil {
		defer live.Close()
	}
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var sample model.DetectionSample
		if detector != nil {
			s, err := detector.Detect(ctx, frame)
			switch {
			case err == nil:
				sample = s
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				return nil
			default:
				e.logger.Warn("detection failed", "seq", frame.Seq, "err", err)
				if e.metrics != nil {
					e.metrics.DetectorError(e.cfg.Camera.ID)
				}
			}
		}
		e.Process(frame, sample)
		if live != nil {
			live.Publish(frame)
		}
	}
}

// Close finishes any clip still being written.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil || !e.rec.Recording() {
		return nil
	}
	_, err := e.rec.Finish()
	if e.metrics != nil {
		e.metrics.ClipFinished(e.cfg.Camera.ID, err)
	}
	return err
}
