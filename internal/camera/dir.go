package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"firewatch/internal/model"
)

// DirSource replays the JPEG files of a directory in name order, paced at
// the given frame rate.
type DirSource struct {
	files  []string
	next   int
	seq    uint64
	ticker *time.Ticker
	now    func() time.Time
}

func NewDirSource(dir string, frameRate int) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	if frameRate <= 0 {
		frameRate = 10
	}
	return &DirSource{
		files:  files,
		ticker: time.NewTicker(time.Second / time.Duration(frameRate)),
		now:    time.Now,
	}, nil
}

func (s *DirSource) Len() int { return len(s.files) }

func (s *DirSource) Next(ctx context.Context) (model.Frame, error) {
	if s.next >= len(s.files) {
		return model.Frame{}, ErrExhausted
	}
	if s.seq > 0 {
		select {
		case <-ctx.Done():
			return model.Frame{}, ctx.Err()
		case <-s.ticker.C:
		}
	}
	path := s.files[s.next]
	s.next++
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Frame{}, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	s.seq++
	return model.Frame{Seq: s.seq, Timestamp: s.now().UTC(), JPEG: data}, nil
}

func (s *DirSource) Close() error {
	s.ticker.Stop()
	return nil
}
