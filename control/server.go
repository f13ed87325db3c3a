// Package control serves the operator API of a running interception
// session over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/hupe1980/golog"

	"github.com/hupe1980/reqscope"
)

// DefaultAddr is the control listen address used when none is given.
const DefaultAddr = "127.0.0.1:8082"

// EventRequestTracked names the server-sent event carrying a tracked
// exchange.
const EventRequestTracked = "request-tracked"

// Archive is the read side of an exchange archive.
type Archive interface {
	List(limit int) ([]*reqscope.Exchange, error)
	Get(id string) (*reqscope.Exchange, error)
	DeleteAll() error
}

type Options struct {
	// Archive enables the /archive routes.
	Archive Archive

	// Metrics is served under /metrics when set.
	Metrics http.Handler

	// OnReplay observes every replay outcome.
	OnReplay func(res reqscope.ReplayResponse)

	// Logger specifies an optional logger.
	Logger golog.Logger
}

type Server struct {
	logger   golog.Logger
	tracker  *reqscope.Tracker
	replay   *reqscope.ReplayExecutor
	upstream *reqscope.UpstreamSelector
	cache    *reqscope.HeaderCache
	archive  Archive
	onReplay func(res reqscope.ReplayResponse)
	router   *mux.Router
}

func New(tracker *reqscope.Tracker, replay *reqscope.ReplayExecutor, upstream *reqscope.UpstreamSelector, cache *reqscope.HeaderCache, authority *reqscope.CertificateAuthority, optFns ...func(*Options)) *Server {
	options := Options{
		Logger: golog.NewGoLogger(golog.INFO, log.Default()),
	}

	for _, fn := range optFns {
		fn(&options)
	}

	s := &Server{
		logger:   options.Logger,
		tracker:  tracker,
		replay:   replay,
		upstream: upstream,
		cache:    cache,
		archive:  options.Archive,
		onReplay: options.OnReplay,
		router:   mux.NewRouter(),
	}

	r := s.router

	r.HandleFunc("/tracking/start", s.handleStartTracking).Methods(http.MethodPost)
	r.HandleFunc("/tracking/stop", s.handleStopTracking).Methods(http.MethodPost)
	r.HandleFunc("/tracking/status", s.handleTrackingStatus).Methods(http.MethodGet)
	r.HandleFunc("/tracking/requests", s.handleTrackedRequests).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/proxy", s.handleProxyCurrent).Methods(http.MethodGet)
	r.HandleFunc("/proxy/test", s.handleProxyTest).Methods(http.MethodPost)
	r.HandleFunc("/proxy/set", s.handleProxySet).Methods(http.MethodPost)
	r.HandleFunc("/proxy/clear", s.handleProxyClear).Methods(http.MethodPost)

	r.HandleFunc("/replay", s.handleReplay).Methods(http.MethodPost)
	r.HandleFunc("/headers/{id}", s.handleHeaders).Methods(http.MethodGet)

	if authority != nil {
		r.Handle("/ca.pem", reqscope.NewCertHandler(authority.Root())).Methods(http.MethodGet)
	}

	if options.Metrics != nil {
		r.Handle("/metrics", options.Metrics).Methods(http.MethodGet)
	}

	if s.archive != nil {
		r.HandleFunc("/archive", s.handleArchiveList).Methods(http.MethodGet)
		r.HandleFunc("/archive", s.handleArchiveClear).Methods(http.MethodDelete)
		r.HandleFunc("/archive/{id}", s.handleArchiveEntry).Methods(http.MethodGet)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Printf(golog.INFO, "Control API listening on %s", ln.Addr())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	var cfg reqscope.TrackingConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.tracker.StartTracking(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.StopTracking(); err != nil && !errors.Is(err, reqscope.ErrNotTracking) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrackingStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) handleTrackedRequests(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.TrackedRequests())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.tracker.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: ok\n\n")
	flusher.Flush()

	for {
		select {
		case ex, ok := <-ch:
			if !ok {
				return
			}

			b, err := json.Marshal(ex)
			if err != nil {
				s.logger.Printf(golog.ERROR, "encode event: %v", err)
				continue
			}

			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", EventRequestTracked, ex.ID, b)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleProxyCurrent(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.upstream.Current()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": true, "url": cfg.URL, "type": cfg.Type})
}

func (s *Server) handleProxyTest(w http.ResponseWriter, r *http.Request) {
	var cfg reqscope.UpstreamConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.upstream.Test(r.Context(), cfg))
}

func (s *Server) handleProxySet(w http.ResponseWriter, r *http.Request) {
	var cfg reqscope.UpstreamConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.upstream.Set(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Printf(golog.INFO, "Upstream proxy set to %s", cfg.URL)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProxyClear(w http.ResponseWriter, r *http.Request) {
	s.upstream.Clear()

	s.logger.Printf(golog.INFO, "Upstream proxy cleared")

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req reqscope.ReplayRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res := s.replay.Execute(r.Context(), req)

	if s.onReplay != nil {
		s.onReplay(res)
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	headers, ok := s.cache.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no headers for %s", id))
		return
	}

	s.writeJSON(w, http.StatusOK, headers)
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := s.archive.List(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleArchiveEntry(w http.ResponseWriter, r *http.Request) {
	ex, err := s.archive.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleArchiveClear(w http.ResponseWriter, r *http.Request) {
	if err := s.archive.DeleteAll(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, 10<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf(golog.ERROR, "Encoding response failed: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
