package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"firewatch/internal/alerts"
	"firewatch/internal/config"
	"firewatch/internal/engine"
	"firewatch/internal/media"
	"firewatch/internal/metrics"
	"firewatch/internal/model"
	"firewatch/internal/notify"
	"firewatch/internal/storage"
)

type StatusSource interface {
	Status() engine.Status
}

type NotifierStats interface {
	Stats() notify.Stats
}

type Server struct {
	cfg      *config.Config
	metrics  *metrics.Store
	alerts   *alerts.Store
	store    storage.Store
	engine   StatusSource
	notifier NotifierStats
	videos   *media.Server
	live     http.Handler
	logger   *slog.Logger
	version  string
	started  time.Time
}

type Options struct {
	Config   *config.Config
	Metrics  *metrics.Store
	Alerts   *alerts.Store
	Store    storage.Store
	Engine   StatusSource
	Notifier NotifierStats
	Videos   *media.Server
	Live     http.Handler
	Logger   *slog.Logger
	Version  string
}

type statusResponse struct {
	Status    string         `json:"status"`
	Time      string         `json:"time"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Camera    cameraStatus   `json:"camera"`
	Engine    *engine.Status `json:"engine,omitempty"`
	Notifier  *notify.Stats  `json:"notifier,omitempty"`
	Recording recordStatus   `json:"recording"`
}

type cameraStatus struct {
	ID        string `json:"id"`
	Location  string `json:"location,omitempty"`
	Source    string `json:"source"`
	FrameRate int    `json:"frame_rate"`
}

type recordStatus struct {
	Enabled bool   `json:"enabled"`
	Codec   string `json:"codec"`
	Dir     string `json:"dir"`
}

func NewServer(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:      opts.Config,
		metrics:  opts.Metrics,
		alerts:   opts.Alerts,
		store:    opts.Store,
		engine:   opts.Engine,
		notifier: opts.Notifier,
		videos:   opts.Videos,
		live:     opts.Live,
		logger:   opts.Logger.With("component", "api"),
		version:  opts.Version,
		started:  time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.live != nil {
		mux.Handle("GET /camera", s.live)
	}
	if s.videos != nil {
		mux.HandleFunc("GET /video/{filename}", s.videos.ServeVideo)
	}
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/{camera}", s.handleMetrics)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /clips", s.handleClips)
	mux.HandleFunc("GET /clips/{filename}", s.handleClip)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	return mux
}

// Start serves the API until ctx is cancelled.
func Start(ctx context.Context, addr string, s *Server) *http.Server {
	s.logger.Info("api enabled", "addr", addr)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Camera: cameraStatus{
			ID:        s.cfg.Camera.ID,
			Location:  s.cfg.Camera.Location,
			Source:    s.cfg.Camera.Source,
			FrameRate: s.cfg.Camera.FrameRate,
		},
		Recording: recordStatus{
			Enabled: s.cfg.Recording.Enabled,
			Codec:   s.cfg.Recording.Codec,
			Dir:     s.cfg.Recording.Dir,
		},
	}
	if s.engine != nil {
		st := s.engine.Status()
		resp.Engine = &st
	}
	if s.notifier != nil {
		st := s.notifier.Stats()
		resp.Notifier = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if camera := r.PathValue("camera"); camera != "" {
		snap, ok := s.metrics.Get(camera)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.Alert{}, "count": 0})
		return
	}
	q := r.URL.Query()
	f := alerts.Filter{
		Category: model.Category(q.Get("category")),
		Status:   model.DeliveryStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Since = ts
	}
	list := s.alerts.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    list,
		"count":     len(list),
		"by_status": s.alerts.Counts(),
	})
}

func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"clips": []model.Clip{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	clips, err := s.store.ListClips(r.Context(), limit)
	if err != nil {
		s.logger.Error("list clips failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clips": clips,
		"count": len(clips),
	})
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	clip, err := s.store.GetClip(r.Context(), r.PathValue("filename"))
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get clip failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.metrics != nil {
			s.metrics.Clear()
		}
		if s.alerts != nil {
			s.alerts.Clear()
		}
	case "alerts":
		if s.alerts != nil {
			s.alerts.Clear()
		}
	case "metrics":
		if s.metrics != nil {
			s.metrics.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
