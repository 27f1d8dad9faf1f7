package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"

	"firewatch/internal/model"
)

var ErrStreamClosed = errors.New("media: live stream closed")

const liveBoundary = "frame"

// Broadcaster holds the most recent annotated frame for live viewers. Slow
// viewers skip frames rather than queue them.
type Broadcaster struct {
	mu      sync.Mutex
	latest  []byte
	seq     uint64
	closed  bool
	changed chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{changed: make(chan struct{})}
}

func (b *Broadcaster) Publish(frame model.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = frame.JPEG
	b.seq++
	close(b.changed)
	b.changed = make(chan struct{})
}

// Close marks the upstream source as exhausted. Viewers receive the
// placeholder image and disconnect.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

// Next waits for a frame newer than after.
func (b *Broadcaster) Next(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, after, ErrStreamClosed
		}
		if b.seq > after && b.latest != nil {
			data, seq := b.latest, b.seq
			b.mu.Unlock()
			return data, seq, nil
		}
		changed := b.changed
		b.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, after, ctx.Err()
		}
	}
}

type LiveHandler struct {
	b           *Broadcaster
	placeholder []byte
	logger      *slog.Logger
}

func NewLiveHandler(b *Broadcaster, logger *slog.Logger) *LiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHandler{b: b, placeholder: PlaceholderJPEG(), logger: logger.With("component", "live")}
}

// ServeHTTP streams multipart/x-mixed-replace JPEG parts until the client
// leaves or the source ends.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+liveBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	var seq uint64
	for {
		data, next, err := h.b.Next(r.Context(), seq)
		if errors.Is(err, ErrStreamClosed) {
			_ = writePart(w, h.placeholder)
			_ = rc.Flush()
			return
		}
		if err != nil {
			return
		}
		seq = next
		if err := writePart(w, data); err != nil {
			h.logger.Debug("live viewer gone", "err", err)
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	var buf bytes.Buffer
	buf.Grow(len(jpegData) + 64)
	buf.WriteString("--" + liveBoundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	buf.Write(jpegData)
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// PlaceholderJPEG renders the image sent when the camera stops delivering.
func PlaceholderJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 40, G: 40, B: 40, A: 255}}, image.Point{}, draw.Src)
	band := image.Rect(0, 100, 320, 140)
	draw.Draw(img, band, &image.Uniform{C: color.RGBA{R: 200, A: 255}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75})
	return buf.Bytes()
}
