// Package camera produces frames and detection counts for the engine.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"firewatch/internal/model"
)

var ErrExhausted = errors.New("camera: source exhausted")

type Source interface {
	Next(ctx context.Context) (model.Frame, error)
	Close() error
}

const maxFrameBytes = 8 << 20

// MJPEGSource reads a multipart/x-mixed-replace JPEG stream over HTTP. The
// connection is opened on the first call to Next.
type MJPEGSource struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	body   io.ReadCloser
	reader *multipart.Reader
	seq    uint64
	now    func() time.Time
}

func NewMJPEGSource(url string, client *http.Client, logger *slog.Logger) *MJPEGSource {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MJPEGSource{
		url:    url,
		client: client,
		logger: logger.With("component", "camera", "url", url),
		now:    time.Now,
	}
}

func (s *MJPEGSource) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return fmt.Errorf("open stream: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	s.body = resp.Body
	s.reader = multipart.NewReader(resp.Body, params["boundary"])
	s.logger.Info("camera stream opened", "boundary", params["boundary"])
	return nil
}

func (s *MJPEGSource) Next(ctx context.Context) (model.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		if err := s.connect(ctx); err != nil {
			return model.Frame{}, err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return model.Frame{}, err
		}
		part, err := s.reader.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return model.Frame{}, ErrExhausted
			}
			return model.Frame{}, fmt.Errorf("read part: %w", err)
		}
		data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes))
		part.Close()
		if err != nil {
			return model.Frame{}, fmt.Errorf("read part: %w", err)
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		s.seq++
		return model.Frame{Seq: s.seq, Timestamp: s.now().UTC(), JPEG: data}, nil
	}
}

func (s *MJPEGSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	s.reader = nil
	return err
}
