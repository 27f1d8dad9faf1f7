// Package media serves finished clips with byte-range support and the live
// annotated preview.
package media

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("media: clip not found")

type Server struct {
	dir    string
	chunk  int64
	logger *slog.Logger
}

func NewServer(dir string, chunk int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dir: dir, chunk: chunk, logger: logger.With("component", "media")}
}

// Open returns a finished clip. Names that are not plain file names, and clips
// still being written, are reported as not found.
func (s *Server) Open(name string) (*os.File, fs.FileInfo, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// ServeVideo answers GET /video/{filename}. Every non-empty clip is answered
// with a 206 carrying Accept-Ranges, including requests without a Range
// header, which get the first chunk of the file. An empty file has no
// satisfiable range and gets a 200 with no body.
func (s *Server) ServeVideo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	f, info, err := s.Open(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("open clip failed", "filename", name, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	br, present := ParseRange(r.Header.Get("Range"))
	span := Resolve(br, present, info.Size(), s.chunk)

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(name))
	if span.Length <= 0 {
		h.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}
	h.Set("Content-Range", span.ContentRange())
	h.Set("Content-Length", strconv.FormatInt(span.Length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, io.NewSectionReader(f, span.Start, span.Length)); err != nil {
		s.logger.Debug("clip transfer interrupted", "filename", name, "err", err)
	}
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".mjpeg", ".mjpg":
		return "video/x-motion-jpeg"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
