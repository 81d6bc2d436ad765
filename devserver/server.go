// ABOUTME: Development backend that simulates the ad-generation service behind a chi router.
// ABOUTME: Serves job submission, cancellation, resumable SSE event streams, an image proxy, and synthetic images.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/2389-research/adcanvas/api"
	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/sse"
)

const maxProxyBytes = 10 << 20

// Config tunes the simulated backend.
type Config struct {
	StepDelay         time.Duration // pause before each scripted event (default: 400ms)
	HeartbeatInterval time.Duration // SSE keep-alive comment interval (default: 15s)
	DefaultImages     int           // images per job when the request omits n_images (default: 4)
	Logger            zerolog.Logger
}

// Server is the dev backend. It implements http.Handler.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	router chi.Router
	client *http.Client

	mu   sync.RWMutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New creates a dev server.
func New(cfg Config) *Server {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 400 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.DefaultImages <= 0 {
		cfg.DefaultImages = 4
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "devserver").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
		jobs:   make(map[string]*job),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("dev server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Close cancels every running job and waits for their scripts to stop.
func (s *Server) Close() {
	s.mu.RLock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/images/{size}/{file}", s.handleImage)

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Post("/cancel", s.handleCancel)
		r.Get("/jobs/{jobID}/events", s.handleEvents)
		r.Get("/proxy-image", s.handleProxyImage)
	})
	return r
}

func (s *Server) lookup(id string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.jobs)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": n})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n := s.cfg.DefaultImages
	if req.NImages != nil {
		n = *req.NImages
	}

	j := newJob(uuid.NewString(), req.ProductURL, n)
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	events := Script(j.ID, req.ProductURL, n, baseURL(r))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.cancel()
		if err := play(j.ctx, j, events, s.cfg.StepDelay); err != nil {
			s.logger.Error().Err(err).Str("job_id", j.ID).Msg("script failed")
		}
		s.logger.Info().Str("job_id", j.ID).Int("events", j.Len()).Msg("script finished")
	}()

	s.logger.Info().Str("job_id", j.ID).Str("product_url", req.ProductURL).Int("n_images", n).Msg("job started")
	writeJSON(w, http.StatusOK, api.GenerateResponse{JobID: j.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := s.lookup(req.JobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Finished() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
		return
	}
	j.cancel()
	s.logger.Info().Str("job_id", j.ID).Msg("job cancel requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(chi.URLParam(r, "jobID"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastEventId")
	}
	backlog, ch, unsubscribe := j.subscribe(lastID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, evt := range backlog {
		if err := sse.WriteEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()
	if ch == nil {
		return
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := sse.WriteComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	width, height, err := parseSize(chi.URLParam(r, "size"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file := chi.URLParam(r, "file")
	label, ok := strings.CutSuffix(file, ".png")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if unescaped, err := url.PathUnescape(label); err == nil {
		label = unescaped
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if err := renderImage(w, width, height, label); err != nil {
		s.logger.Warn().Err(err).Str("label", label).Msg("render image failed")
	}
}

// handleProxyImage fetches an absolute image URL so the browser sees it as same-origin.
func (s *Server) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	origin := canvas.UnwrapProxy(raw)
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", origin).Msg("proxy fetch failed")
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream status %d", resp.StatusCode))
		return
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "image/") {
		writeError(w, http.StatusBadGateway, "upstream is not an image")
		return
	}
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, io.LimitReader(resp.Body, maxProxyBytes))
}

// baseURL reconstructs the externally visible origin of the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}
