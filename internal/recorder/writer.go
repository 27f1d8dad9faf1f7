// Package recorder captures event clips from the live frame stream.
//
// While idle every frame goes into a fixed-size ring so a clip can begin with
// footage from before the trigger. Once recording, frames are handed to a
// writer goroutine through a bounded queue; if the disk falls behind far
// enough to fill that queue, Update blocks and the frame loop slows down with
// it. Clips are written to "<name>.part" and renamed on Finish, so readers
// only ever see complete files.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"firewatch/internal/model"
)

var (
	ErrAlreadyRecording = errors.New("recorder: clip already recording")
	ErrNotRecording     = errors.New("recorder: no clip recording")
)

const partSuffix = ".part"

type ClipIndex interface {
	SaveClip(ctx context.Context, clip model.Clip) error
}

type Options struct {
	Dir           string
	CameraID      string
	PrerollFrames int
	QueueSize     int
	Encoders      EncoderFactory
	Index         ClipIndex
	Logger        *slog.Logger
}

// Writer is owned by a single frame loop and is not safe for concurrent use.
type Writer struct {
	dir       string
	cameraID  string
	queueSize int
	encoders  EncoderFactory
	index     ClipIndex
	logger    *slog.Logger
	ring      *Ring[model.Frame]
	rec       *ClipRecording
}

// ClipRecording is the clip currently being written.
type ClipRecording struct {
	Filename  string
	StartedAt time.Time
	Codec     string
	FrameRate int
	PreFrames int

	path    string
	tmpPath string
	enc     Encoder
	frames  chan model.Frame
	done    chan struct{}
	written int
	err     error
}

func NewWriter(opts Options) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Encoders == nil {
		opts.Encoders = NewFileEncoderFactory("ffmpeg")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Writer{
		dir:       opts.Dir,
		cameraID:  opts.CameraID,
		queueSize: opts.QueueSize,
		encoders:  opts.Encoders,
		index:     opts.Index,
		logger:    opts.Logger.With("component", "recorder", "camera_id", opts.CameraID),
		ring:      NewRing[model.Frame](opts.PrerollFrames),
	}
}

func (w *Writer) Recording() bool {
	return w.rec != nil
}

// Current returns the filename of the open clip, or "" when idle.
func (w *Writer) Current() string {
	if w.rec == nil {
		return ""
	}
	return w.rec.Filename
}

func (w *Writer) Buffered() int {
	return w.ring.Len()
}

// Update must be called once per processed frame.
func (w *Writer) Update(frame model.Frame) {
	if w.rec == nil {
		w.ring.Push(frame)
		return
	}
	w.rec.frames <- frame
}

// Start opens a clip that begins with the buffered pre-roll. A second Start
// before Finish returns ErrAlreadyRecording and leaves the open clip as is.
func (w *Writer) Start(filename, codec string, frameRate int) error {
	if w.rec != nil {
		return ErrAlreadyRecording
	}
	if filename == "" || filepath.Base(filename) != filename || strings.HasSuffix(filename, partSuffix) {
		return fmt.Errorf("recorder: invalid clip filename %q", filename)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create clip dir: %w", err)
	}
	path := filepath.Join(w.dir, filename)
	tmpPath := path + partSuffix
	enc, err := w.encoders(tmpPath, codec, frameRate)
	if err != nil {
		return fmt.Errorf("open encoder: %w", err)
	}

	pre := w.ring.Drain()
	rec := &ClipRecording{
		Filename:  filename,
		StartedAt: time.Now().UTC(),
		Codec:     codec,
		FrameRate: frameRate,
		PreFrames: len(pre),
		path:      path,
		tmpPath:   tmpPath,
		enc:       enc,
		frames:    make(chan model.Frame, max(w.queueSize, len(pre)+1)),
		done:      make(chan struct{}),
	}
	if len(pre) > 0 && !pre[0].Timestamp.IsZero() {
		rec.StartedAt = pre[0].Timestamp
	}
	go rec.run()
	for _, f := range pre {
		rec.frames <- f
	}
	w.rec = rec
	w.logger.Info("clip started",
		"filename", filename,
		"codec", codec,
		"frame_rate", frameRate,
		"pre_frames", len(pre),
	)
	return nil
}

func (r *ClipRecording) run() {
	defer close(r.done)
	for f := range r.frames {
		if r.err != nil {
			continue
		}
		if err := r.enc.WriteFrame(f.JPEG); err != nil {
			r.err = err
			continue
		}
		r.written++
	}
}

// Finish flushes and closes the open clip and makes it visible under its
// final name. The pre-roll ring starts filling again afterwards.
func (w *Writer) Finish() (model.Clip, error) {
	rec := w.rec
	if rec == nil {
		return model.Clip{}, ErrNotRecording
	}
	w.rec = nil
	close(rec.frames)
	<-rec.done
	closeErr := rec.enc.Close()
	if err := errors.Join(rec.err, closeErr); err != nil {
		_ = os.Remove(rec.tmpPath)
		w.logger.Warn("clip discarded", "filename", rec.Filename, "err", err)
		return model.Clip{}, fmt.Errorf("write clip %s: %w", rec.Filename, err)
	}
	if err := os.Rename(rec.tmpPath, rec.path); err != nil {
		return model.Clip{}, fmt.Errorf("publish clip %s: %w", rec.Filename, err)
	}
	var size int64
	if info, err := os.Stat(rec.path); err == nil {
		size = info.Size()
	}
	clip := model.Clip{
		Filename:  rec.Filename,
		CameraID:  w.cameraID,
		Codec:     rec.Codec,
		FrameRate: rec.FrameRate,
		StartedAt: rec.StartedAt,
		EndedAt:   time.Now().UTC(),
		Frames:    rec.written,
		PreFrames: rec.PreFrames,
		Size:      size,
	}
	if w.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.index.SaveClip(ctx, clip); err != nil {
			w.logger.Warn("clip index write failed", "filename", clip.Filename, "err", err)
		}
		cancel()
	}
	w.logger.Info("clip finished",
		"filename", clip.Filename,
		"frames", clip.Frames,
		"size", clip.Size,
	)
	return clip, nil
}
