package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Camera    CameraConfig    `json:"camera" yaml:"camera"`
	Detector  DetectorConfig  `json:"detector" yaml:"detector"`
	Debounce  DebounceConfig  `json:"debounce" yaml:"debounce"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Recording RecordingConfig `json:"recording" yaml:"recording"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type CameraConfig struct {
	ID        string `json:"id" yaml:"id"`
	Location  string `json:"location" yaml:"location"`
	Source    string `json:"source" yaml:"source"`
	URL       string `json:"url" yaml:"url"`
	Dir       string `json:"dir" yaml:"dir"`
	FrameRate int    `json:"frame_rate" yaml:"frame_rate"`
}

type DetectorConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

type DebounceConfig struct {
	ResendInterval time.Duration `json:"resend_interval" yaml:"resend_interval"`
	CooldownWindow time.Duration `json:"cooldown_window" yaml:"cooldown_window"`
}

type NotifyConfig struct {
	APIBaseURL string        `json:"api_base_url" yaml:"api_base_url"`
	Transport  string        `json:"transport" yaml:"transport"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Workers    int           `json:"workers" yaml:"workers"`
	QueueSize  int           `json:"queue_size" yaml:"queue_size"`
	RatePerSec float64       `json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int           `json:"burst" yaml:"burst"`
	Kafka      KafkaConfig   `json:"kafka" yaml:"kafka"`
	MQTT       MQTTConfig    `json:"mqtt" yaml:"mqtt"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic" yaml:"topic"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type RecordingConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Dir            string `json:"dir" yaml:"dir"`
	Codec          string `json:"codec" yaml:"codec"`
	PrerollSeconds int    `json:"preroll_seconds" yaml:"preroll_seconds"`
	FrameQueue     int    `json:"frame_queue" yaml:"frame_queue"`
	FFmpegPath     string `json:"ffmpeg_path" yaml:"ffmpeg_path"`
}

type APIConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	ChunkSize int64  `json:"chunk_size" yaml:"chunk_size"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Camera: CameraConfig{
			ID:        "1",
			Source:    "mjpeg",
			FrameRate: 10,
		},
		Detector: DetectorConfig{
			Endpoint: "http://127.0.0.1:8500/detect",
			Timeout:  2 * time.Second,
		},
		Debounce: DebounceConfig{
			ResendInterval: 10 * time.Second,
			CooldownWindow: 5 * time.Second,
		},
		Notify: NotifyConfig{
			Transport:  "http",
			Timeout:    15 * time.Second,
			Workers:    4,
			QueueSize:  64,
			RatePerSec: 5,
			Burst:      10,
		},
		Recording: RecordingConfig{
			Enabled:        true,
			Dir:            "./clips",
			Codec:          "mjpeg",
			PrerollSeconds: 5,
			FrameQueue:     256,
			FFmpegPath:     "ffmpeg",
		},
		API:     APIConfig{Addr: ":5000", ChunkSize: 1 << 20},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:firewatch.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv lets deployments keep the camera identity and API address out of
// the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CAMERA_ID"); v != "" {
		cfg.Camera.ID = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.Notify.APIBaseURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Camera.FrameRate <= 0 {
		cfg.Camera.FrameRate = 10
	}
	if cfg.Debounce.ResendInterval <= 0 {
		cfg.Debounce.ResendInterval = 10 * time.Second
	}
	if cfg.Debounce.CooldownWindow <= 0 {
		cfg.Debounce.CooldownWindow = 5 * time.Second
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 15 * time.Second
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 4
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 64
	}
	if cfg.Notify.Transport == "" {
		cfg.Notify.Transport = "http"
	}
	if cfg.Recording.PrerollSeconds < 0 {
		cfg.Recording.PrerollSeconds = 0
	}
	if cfg.Recording.FrameQueue <= 0 {
		cfg.Recording.FrameQueue = 256
	}
	if cfg.Recording.Codec == "" {
		cfg.Recording.Codec = "mjpeg"
	}
	if cfg.Recording.FFmpegPath == "" {
		cfg.Recording.FFmpegPath = "ffmpeg"
	}
	if cfg.API.ChunkSize <= 0 {
		cfg.API.ChunkSize = 1 << 20
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Detector.Timeout <= 0 {
		cfg.Detector.Timeout = 2 * time.Second
	}
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Camera.ID) == "" {
		return errors.New("camera.id required")
	}
	switch cfg.Camera.Source {
	case "mjpeg":
		if cfg.Camera.URL == "" {
			return errors.New("camera.url required when camera.source is mjpeg")
		}
	case "dir":
		if cfg.Camera.Dir == "" {
			return errors.New("camera.dir required when camera.source is dir")
		}
	default:
		return fmt.Errorf("unsupported camera.source: %q", cfg.Camera.Source)
	}
	if cfg.API.Addr == "" {
		return errors.New("api.addr required")
	}
	switch strings.ToLower(cfg.Notify.Transport) {
	case "http":
		if cfg.Notify.APIBaseURL == "" {
			return errors.New("notify.api_base_url required when notify.transport is http")
		}
	case "kafka":
		if len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "" {
			return errors.New("notify.kafka requires brokers and topic")
		}
	case "mqtt":
		if cfg.Notify.MQTT.Broker == "" || cfg.Notify.MQTT.Topic == "" {
			return errors.New("notify.mqtt requires broker and topic")
		}
	default:
		return fmt.Errorf("unsupported notify.transport: %q", cfg.Notify.Transport)
	}
	if cfg.Recording.Enabled {
		if cfg.Recording.Dir == "" {
			return errors.New("recording.dir required when recording.enabled is true")
		}
		switch cfg.Recording.Codec {
		case "mjpeg", "h264":
		default:
			return fmt.Errorf("unsupported recording.codec: %q", cfg.Recording.Codec)
		}
	}
	return nil
}

// PrerollFrames sizes the clip writer's ring buffer.
func (c *Config) PrerollFrames() int {
	return c.Camera.FrameRate * c.Recording.PrerollSeconds
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
