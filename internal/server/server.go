// Package server is the HTTP boundary: MJPEG preview, recording control,
// listings and the movement push channel. Auth and the public-facing proxy
// live outside this process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Waupie/home-security-camera/internal/engine"
	"github.com/Waupie/home-security-camera/internal/library"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/mux"
	"github.com/Waupie/home-security-camera/internal/notify"
	"github.com/Waupie/home-security-camera/internal/recorder"
)

// Config holds the values the handlers report back to clients.
type Config struct {
	RecordSeconds int
}

// Server glues the HTTP surface onto the engine components.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	streams  *mux.Multiplexer
	recorder *recorder.Recorder
	detector *motion.Detector
	library  *library.Library
	events   *notify.Notifier
	upgrader websocket.Upgrader
}

// New wires the handler set. All collaborators are required.
func New(cfg Config, eng *engine.Engine, streams *mux.Multiplexer, rec *recorder.Recorder, det *motion.Detector, lib *library.Library, events *notify.Notifier) (*Server, error) {
	if eng == nil || streams == nil || rec == nil || det == nil || lib == nil || events == nil {
		return nil, errors.New("server: all collaborators are required")
	}
	if cfg.RecordSeconds <= 0 {
		return nil, errors.New("server: record seconds must be positive")
	}
	return &Server{
		cfg:      cfg,
		engine:   eng,
		streams:  streams,
		recorder: rec,
		detector: det,
		library:  lib,
		events:   events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /stream", s.handleStream)
	m.HandleFunc("GET /snapshot", s.handleSnapshot)
	m.HandleFunc("POST /record", s.handleRecord)
	m.HandleFunc("GET /last_recording", s.handleLastRecording)
	m.HandleFunc("GET /recordings/{filename}", s.handleRecording)
	m.HandleFunc("GET /videos", s.handleVideos)
	m.HandleFunc("GET /videos/grouped", s.handleVideosGrouped)
	m.HandleFunc("GET /movement", s.handleMovement)
	m.HandleFunc("GET /movement/stream", s.handleMovementStream)
	m.HandleFunc("GET /status", s.handleStatus)
	return m
}

// handleStream serves a multipart MJPEG body until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.engine.Unavailable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.streams.Subscribe()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream unavailable"})
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	slog.Info("server: stream subscriber connected",
		"subscriber_id", sub.ID, "remote", r.RemoteAddr)
	defer slog.Info("server: stream subscriber disconnected",
		"subscriber_id", sub.ID, "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Data)); err != nil {
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSnapshot returns the most recent preview frame as a plain JPEG.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.engine.Unavailable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream unavailable"})
		return
	}
	frame, ok := s.engine.Snapshot()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no frame captured yet"})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame.Data)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.engine.Unavailable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "camera unavailable"})
		return
	}

	// The job outlives this request; only process shutdown may interrupt it.
	job, err := s.recorder.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, recorder.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "busy"})
		return
	case err != nil:
		slog.Error("server: record request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	slog.Info("server: recording accepted", "job_id", job.ID, "filename", job.Filename)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "started",
		"duration": s.cfg.RecordSeconds,
	})
}

func (s *Server) handleLastRecording(w http.ResponseWriter, r *http.Request) {
	var filename *string
	if name := s.recorder.LastRecording(); name != "" {
		filename = &name
	}
	writeJSON(w, http.StatusOK, map[string]any{"filename": filename})
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	path, err := s.library.Path(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "recording not found"})
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "recording not found"})
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	entries, err := s.library.List(r.Context())
	if err != nil {
		slog.Error("server: listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVideosGrouped(w http.ResponseWriter, r *http.Request) {
	groups, err := s.library.ListGrouped(r.Context())
	if err != nil {
		slog.Error("server: grouped listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing failed"})
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	active, changedAt := s.detector.State()
	var last *string
	if !changedAt.IsZero() {
		stamp := changedAt.UTC().Format(time.RFC3339)
		last = &stamp
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"movement":      active,
		"last_movement": last,
	})
}

// handleMovementStream upgrades to a websocket and pushes every motion and
// recording transition until the client goes away.
func (s *Server) handleMovementStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe()
	defer sub.Close()

	slog.Info("server: movement subscriber connected", "remote", r.RemoteAddr)
	defer slog.Info("server: movement subscriber disconnected", "remote", r.RemoteAddr)

	// Reader goroutine detects the client closing the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	capStats := s.engine.SourceStats()
	muxStats := s.streams.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"capture": map[string]any{
			"frames":     capStats.FrameCount,
			"dropped":    capStats.FramesDropped,
			"restarts":   capStats.Restarts,
			"fps_target": capStats.FPSTarget,
			"fps_real":   capStats.FPSReal,
			"resolution": capStats.Resolution,
			"connected":  capStats.Connected,
		},
		"engine": s.engine.Stats(),
		"stream": map[string]any{
			"published":   muxStats.TotalPublished,
			"subscribers": s.streams.SubscriberCount(),
		},
		"recorder": s.recorder.State().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: response write failed", "error", err)
	}
}
