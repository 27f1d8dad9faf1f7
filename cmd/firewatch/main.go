package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"firewatch/internal/alerts"
	"firewatch/internal/api"
	"firewatch/internal/camera"
	"firewatch/internal/config"
	"firewatch/internal/engine"
	"firewatch/internal/logging"
	"firewatch/internal/media"
	"firewatch/internal/metrics"
	"firewatch/internal/notify"
	"firewatch/internal/recorder"
	"firewatch/internal/storage"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "./firewatch.yaml", "path to the YAML or JSON config file")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("firewatch %s\n", Version)
		return
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("firewatch stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		defer store.Close()
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return fmt.Errorf("notify transport: %w", err)
	}
	notifier := notify.New(transport, notify.Options{
		Workers:        cfg.Notify.Workers,
		QueueSize:      cfg.Notify.QueueSize,
		RatePerSec:     cfg.Notify.RatePerSec,
		Burst:          cfg.Notify.Burst,
		DefaultTimeout: cfg.Notify.Timeout,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout)
		defer cancel()
		if err := notifier.Close(shutdownCtx); err != nil {
			logger.Warn("notifier shutdown", "err", err)
		}
	}()

	metricsStore := metrics.NewStore(16)
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)

	var rec engine.Recorder
	if cfg.Recording.Enabled {
		w := recorder.NewWriter(recorder.Options{
			Dir:           cfg.Recording.Dir,
			CameraID:      cfg.Camera.ID,
			PrerollFrames: cfg.PrerollFrames(),
			QueueSize:     cfg.Recording.FrameQueue,
			Encoders:      recorder.NewFileEncoderFactory(cfg.Recording.FFmpegPath),
			Index:         store,
			Logger:        logger,
		})
		rec = w
	}

	eng := engine.NewEngine(cfg, logger, metricsStore, alertsStore, store, notifier, rec)
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("final clip not saved", "err", err)
		}
	}()

	live := media.NewBroadcaster()
	server := api.NewServer(api.Options{
		Config:   cfg,
		Metrics:  metricsStore,
		Alerts:   alertsStore,
		Store:    store,
		Engine:   eng,
		Notifier: notifier,
		Videos:   media.NewServer(cfg.Recording.Dir, cfg.API.ChunkSize, logger),
		Live:     media.NewLiveHandler(live, logger),
		Logger:   logger,
		Version:  Version,
	})
	api.Start(ctx, cfg.API.Addr, server)

	source, err := newSource(cfg, logger)
	if err != nil {
		live.Close()
		return err
	}
	defer source.Close()
	detector := camera.NewHTTPDetector(cfg.Detector.Endpoint, &http.Client{}, cfg.Detector.Timeout)

	logger.Info("firewatch started",
		"camera_id", cfg.Camera.ID,
		"source", cfg.Camera.Source,
		"transport", cfg.Notify.Transport,
		"recording", cfg.Recording.Enabled,
	)
	// The live stream ends with the camera; recorded clips and the API stay
	// up until shutdown.
	err = eng.Run(ctx, source, detector, live)
	switch {
	case err == nil:
	case errors.Is(err, camera.ErrExhausted):
		logger.Info("camera source exhausted")
	default:
		logger.Error("camera stream failed", "err", err)
	}
	if ctx.Err() == nil {
		if err := eng.Close(); err != nil {
			logger.Warn("final clip not saved", "err", err)
		}
		logger.Info("live stream stopped, serving recorded clips until shutdown")
		<-ctx.Done()
	}
	return nil
}

func newTransport(cfg *config.Config) (notify.Transport, error) {
	switch strings.ToLower(cfg.Notify.Transport) {
	case "kafka":
		return notify.NewKafkaTransport(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic), nil
	case "mqtt":
		t, err := notify.NewMQTTTransport(notify.MQTTOptions{
			Broker:   cfg.Notify.MQTT.Broker,
			Topic:    cfg.Notify.MQTT.Topic,
			ClientID: cfg.Notify.MQTT.ClientID,
			Username: cfg.Notify.MQTT.Username,
			Password: cfg.Notify.MQTT.Password,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return notify.NewHTTPTransport(&http.Client{Timeout: cfg.Notify.Timeout + time.Second}), nil
	}
}

func newSource(cfg *config.Config, logger *slog.Logger) (camera.Source, error) {
	switch cfg.Camera.Source {
	case "dir":
		src, err := camera.NewDirSource(cfg.Camera.Dir, cfg.Camera.FrameRate)
		if err != nil {
			return nil, err
		}
		logger.Info("replaying frames", "dir", cfg.Camera.Dir, "frames", src.Len())
		return src, nil
	default:
		return camera.NewMJPEGSource(cfg.Camera.URL, &http.Client{}, logger), nil
	}
}
