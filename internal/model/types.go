package model

import "time"

type Category string

const (
	CategoryFire       Category = "fire"
	CategoryFirePerson Category = "fire_person"
)

// LogType is the numeric alert class understood by the logs API.
type LogType int

const (
	LogTypeFire       LogType = 1
	LogTypeFirePerson LogType = 2
)

// Frame is an encoded camera frame. JPEG must not be mutated after the frame
// leaves the acquisition loop.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	JPEG      []byte
}

type DetectionSample struct {
	Faces   int `json:"faces"`
	Fire    int `json:"fire"`
	Persons int `json:"persons"`
}

type AlertRequest struct {
	LogType           LogType `json:"log_type"`
	CameraID          string  `json:"camera_id"`
	RecognizedObjects string  `json:"recognized_objects"`
	Filename          string  `json:"filename,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

type Alert struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   Category       `json:"category"`
	Request    AlertRequest   `json:"request"`
	Status     DeliveryStatus `json:"status"`
	StatusCode int            `json:"status_code,omitempty"`
}

type Clip struct {
	Filename  string    `json:"filename"`
	CameraID  string    `json:"camera_id"`
	Codec     string    `json:"codec"`
	FrameRate int       `json:"frame_rate"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Frames    int       `json:"frames"`
	PreFrames int       `json:"pre_frames"`
	Size      int64     `json:"size"`
}
