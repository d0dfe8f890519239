package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Waupie/home-security-camera/internal/capture"
	"github.com/Waupie/home-security-camera/internal/config"
	"github.com/Waupie/home-security-camera/internal/encode"
	"github.com/Waupie/home-security-camera/internal/engine"
	"github.com/Waupie/home-security-camera/internal/library"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/mux"
	"github.com/Waupie/home-security-camera/internal/notify"
	"github.com/Waupie/home-security-camera/internal/recorder"
	"github.com/Waupie/home-security-camera/internal/server"
)

const (
	notifySendTimeout = 100 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
	uploadTimeout     = 5 * time.Minute
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// A missing .env is fine; the environment may be set directly.
		slog.Debug("main: no .env file loaded", "error", err)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := run(*debug); err != nil {
		slog.Error("main: fatal", "error", err)
		os.Exit(1)
	}
}

func run(debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.Info("main: starting home security camera",
		"addr", cfg.HTTPAddr,
		"width", cfg.Width, "height", cfg.Height,
		"fps", cfg.TargetFPS,
		"device", cfg.CameraDevice,
		"acceleration", cfg.Acceleration.String(),
		"debug", debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := notify.New(notifySendTimeout)
	defer events.Close()

	streams := mux.New(cfg.SubscriberQueueDepth)
	defer streams.Close()

	detector := motion.New(motion.Config{
		SampleEvery:     cfg.MotionSampleEvery,
		PixelThreshold:  cfg.MotionPixelThreshold,
		AreaRatio:       cfg.MotionAreaRatio,
		ActivateAfter:   cfg.MotionActivateAfter,
		DeactivateAfter: cfg.MotionDeactivateAfter,
	}, func(active bool, at time.Time) {
		slog.Info("main: motion state changed", "movement", active)
		events.Publish(notify.Event{Type: notify.EventMotion, At: at, Movement: active})
	})

	var remote *library.Client
	if cfg.VideoAPIURL != "" && cfg.VideoAPIKey != "" {
		remote = library.NewClient(library.ClientConfig{
			BaseURL: cfg.VideoAPIURL,
			APIKey:  cfg.VideoAPIKey,
			Retries: cfg.UploadRetries,
		})
	} else {
		slog.Info("main: video api not configured, recordings stay local")
	}

	lib, err := library.New(cfg.RecordingsDir, remote)
	if err != nil {
		return err
	}
	defer lib.Close()

	opener := func(path string) (recorder.EncoderSession, error) {
		return encode.OpenSession(encode.SessionConfig{
			Path:         path,
			Width:        cfg.Width,
			Height:       cfg.Height,
			FPS:          cfg.TargetFPS,
			Bitrate:      cfg.RecordBitrate,
			Acceleration: sessionAccel(cfg.Acceleration),
		})
	}

	var onComplete func(recorder.Metadata)
	if remote != nil {
		onComplete = func(m recorder.Metadata) {
			upCtx, upCancel := context.WithTimeout(context.Background(), uploadTimeout)
			defer upCancel()
			if err := remote.Upload(upCtx, m.Path); err != nil {
				// The local file remains the durable copy.
				slog.Error("main: upload abandoned", "filename", m.Filename, "error", err)
			}
		}
	}

	rec, err := recorder.New(recorder.Config{
		Dir:         cfg.RecordingsDir,
		Duration:    time.Duration(cfg.RecordSeconds) * time.Second,
		ResultGrace: cfg.ResultGrace,
	}, opener, events, onComplete)
	if err != nil {
		return err
	}

	source, err := capture.NewSource(capture.Config{
		Device:      cfg.CameraDevice,
		Width:       cfg.Width,
		Height:      cfg.Height,
		TargetFPS:   cfg.TargetFPS,
		MaxRestarts: cfg.MaxRestarts,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{JPEGQuality: cfg.JPEGQuality}, source, detector, rec, streams)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	srv, err := server.New(server.Config{RecordSeconds: cfg.RecordSeconds},
		eng, streams, rec, detector, lib, events)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("main: http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("main: received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("main: http shutdown incomplete", "error", err)
	}
	cancel()

	slog.Info("main: stopped")
	return nil
}

// sessionAccel maps the configured acceleration mode onto the encoder's.
func sessionAccel(a config.Accel) encode.Accel {
	switch a {
	case config.AccelHardware:
		return encode.AccelHardware
	case config.AccelSoftware:
		return encode.AccelSoftware
	default:
		return encode.AccelAuto
	}
}
