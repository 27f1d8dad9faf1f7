package metrics

import (
	"sync"
	"time"

	"firewatch/internal/model"
)

// Snapshot is the pipeline state of one camera.
type Snapshot struct {
	CameraID        string                `json:"camera_id"`
	FramesProcessed uint64                `json:"frames_processed"`
	DetectorErrors  uint64                `json:"detector_errors"`
	AlertsEmitted   uint64                `json:"alerts_emitted"`
	AlertsDropped   uint64                `json:"alerts_dropped"`
	ClipsFinished   uint64                `json:"clips_finished"`
	ClipErrors      uint64                `json:"clip_errors"`
	ClipStartErrors uint64                `json:"clip_start_errors"`
	LastSample      model.DetectionSample `json:"last_sample"`
	LastFrameAt     time.Time             `json:"last_frame_at"`
	Recording       bool                  `json:"recording"`
	Phases          map[string]string     `json:"phases,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

type Store struct {
	mu       sync.RWMutex
	byCamera map[string]*Snapshot
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 64
	}
	return &Store{byCamera: make(map[string]*Snapshot), limit: limit}
}

// Observe records one processed frame.
func (s *Store) Observe(cameraID string, sample model.DetectionSample, at time.Time, recording bool, phases map[string]string) {
	s.update(cameraID, func(snap *Snapshot) {
		snap.FramesProcessed++
		snap.LastSample = sample
		snap.LastFrameAt = at
		snap.Recording = recording
		snap.Phases = phases
	})
}

func (s *Store) AlertEmitted(cameraID string, dropped bool) {
	s.update(cameraID, func(snap *Snapshot) {
		snap.AlertsEmitted++
		if dropped {
			snap.AlertsDropped++
		}
	})
}

func (s *Store) ClipFinished(cameraID string, err error) {
	s.update(cameraID, func(snap *Snapshot) {
		if err != nil {
			snap.ClipErrors++
			return
		}
		snap.ClipsFinished++
	})
}

// ClipStartFailed counts encoder or disk failures when opening a clip.
func (s *Store) ClipStartFailed(cameraID string) {
	s.update(cameraID, func(snap *Snapshot) { snap.ClipStartErrors++ })
}

func (s *Store) DetectorError(cameraID string) {
	s.update(cameraID, func(snap *Snapshot) { snap.DetectorErrors++ })
}

func (s *Store) update(cameraID string, fn func(*Snapshot)) {
	if cameraID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byCamera[cameraID]
	if !ok {
		snap = &Snapshot{CameraID: cameraID}
		s.byCamera[cameraID] = snap
	}
	fn(snap)
	snap.UpdatedAt = time.Now().UTC()
	if len(s.byCamera) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(cameraID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byCamera[cameraID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

func (s *Store) GetAll() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.byCamera))
	for _, snap := range s.byCamera {
		out = append(out, *snap)
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, snap := range s.byCamera {
		if oldestID == "" || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.byCamera, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCamera = make(map[string]*Snapshot)
}
