package recorder

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

const (
	CodecMJPEG = "mjpeg"
	CodecH264  = "h264"
)

// Encoder receives JPEG frames in arrival order and owns the output file.
type Encoder interface {
	WriteFrame(jpeg []byte) error
	Close() error
}

// EncoderFactory opens an encoder writing to path.
type EncoderFactory func(path, codec string, frameRate int) (Encoder, error)

// Extension is the file suffix of finished clips for codec.
func Extension(codec string) string {
	if codec == CodecH264 {
		return ".mp4"
	}
	return ".mjpeg"
}

// NewFileEncoderFactory returns the factory used in production; ffmpegPath
// is only needed for h264.
func NewFileEncoderFactory(ffmpegPath string) EncoderFactory {
	return func(path, codec string, frameRate int) (Encoder, error) {
		switch codec {
		case CodecMJPEG, "":
			return newMJPEGEncoder(path)
		case CodecH264:
			return newFFmpegEncoder(ffmpegPath, path, frameRate)
		}
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// mjpegEncoder writes a raw Motion-JPEG elementary stream: JPEG images back to
// back, readable by ffmpeg with -f mjpeg.
type mjpegEncoder struct {
	f *os.File
	w *bufio.Writer
}

func newMJPEGEncoder(path string) (*mjpegEncoder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &mjpegEncoder{f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

func (e *mjpegEncoder) WriteFrame(jpeg []byte) error {
	_, err := e.w.Write(jpeg)
	return err
}

func (e *mjpegEncoder) Close() error {
	flushErr := e.w.Flush()
	syncErr := e.f.Sync()
	closeErr := e.f.Close()
	for _, err := range []error{flushErr, syncErr, closeErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ffmpegEncoder pipes JPEG frames into ffmpeg and lets it produce an H.264 MP4
// with the index at the front for progressive playback.
type ffmpegEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
}

func newFFmpegEncoder(ffmpegPath, path string, frameRate int) (*ffmpegEncoder, error) {
	if frameRate <= 0 {
		frameRate = 10
	}
	e := &ffmpegEncoder{}
	e.cmd = exec.Command(ffmpegPath,
		"-y",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(frameRate),
		"-c:v", "mjpeg",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", "mp4",
		path,
	)
	e.cmd.Stderr = &e.stderr
	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	e.stdin = stdin
	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return e, nil
}

func (e *ffmpegEncoder) WriteFrame(jpeg []byte) error {
	_, err := e.stdin.Write(jpeg)
	return err
}

func (e *ffmpegEncoder) Close() error {
	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w, output: %s", err, e.stderr.String())
	}
	return nil
}
