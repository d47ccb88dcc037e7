package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/video-system/go-input-host/pkg/host"
	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/observability"
	"github.com/video-system/go-input-host/pkg/ringbuffer"
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host    string
	Port    int
	Manager *host.Manager
	Ring    *ringbuffer.Buffer // optional, enables frame previews
	Metrics *observability.Metrics
	Log     *logrus.Logger
}

// Server is the HTTP control API
type Server struct {
	cfg    ServerConfig
	log    *logrus.Logger
	router *mux.Router
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, log: cfg.Log}
	if s.log == nil {
		s.log = observability.Discard()
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods("GET")
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/types", s.handleTypes).Methods("GET")
	v1.HandleFunc("/broker", s.handleBroker).Methods("GET")
	v1.HandleFunc("/ring", s.handleRing).Methods("GET")
	v1.HandleFunc("/instances", s.handleListInstances).Methods("GET")
	v1.HandleFunc("/instances", s.handleLoadInstance).Methods("POST")
	v1.HandleFunc("/instances/{id:[0-9]+}", s.handleGetInstance).Methods("GET")
	v1.HandleFunc("/instances/{id:[0-9]+}", s.handleReleaseInstance).Methods("DELETE")
	v1.HandleFunc("/instances/{id:[0-9]+}/start", s.handleStart).Methods("POST")
	v1.HandleFunc("/instances/{id:[0-9]+}/stop", s.handleStop).Methods("POST")
	v1.HandleFunc("/instances/{id:[0-9]+}/settings", s.handleGetSettings).Methods("GET")
	v1.HandleFunc("/instances/{id:[0-9]+}/settings", s.handlePutSettings).Methods("PUT")
	v1.HandleFunc("/instances/{id:[0-9]+}/frame", s.handleFrame).Methods("GET")
	v1.HandleFunc("/instances/{id:[0-9]+}/frames", s.handleFrames).Methods("GET")

	s.router = r
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("API server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("API server shutdown")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("api request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) instance(w http.ResponseWriter, r *http.Request) (*host.Instance, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	inst, ok := s.cfg.Manager.Instance(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %d", host.ErrUnknownInstance, id))
		return nil, false
	}
	return inst, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "go-input-host",
		"session":   s.cfg.Manager.SessionID(),
		"instances": len(s.cfg.Manager.Instances()),
		"running":   s.cfg.Manager.Running(),
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"types": input.Types(),
	})
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Manager.Broker().Stats())
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ring == nil {
		writeError(w, http.StatusNotFound, errors.New("frame ring disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Ring.Status())
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	statuses := s.cfg.Manager.Statuses()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": statuses,
		"count":     len(statuses),
	})
}

func (s *Server) handleLoadInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		Type     string         `json:"type"`
		Settings input.Settings `json:"settings"`
		Start    bool           `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	inst, err := s.cfg.Manager.Load(req.Name, req.Type, req.Settings)
	switch {
	case errors.Is(err, host.ErrUnknownType):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, host.ErrDuplicateName):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		// Init failed; the instance exists in the unloaded state
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    err.Error(),
			"instance": inst.Status(s.cfg.Manager.SessionID()),
		})
		return
	}

	if req.Start {
		if res := inst.Start(); !res.Success {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":    res.Message,
				"instance": inst.Status(s.cfg.Manager.SessionID()),
			})
			return
		}
	}
	writeJSON(w, http.StatusCreated, inst.Status(s.cfg.Manager.SessionID()))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inst.Status(s.cfg.Manager.SessionID()))
}

func (s *Server) handleReleaseInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Manager.Release(inst.ID()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "released",
		"id":     inst.ID(),
	})
}

func (s *Server) writeResult(w http.ResponseWriter, inst *host.Instance, res input.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"success": res.Success,
		"message": res.Message,
		"state":   inst.State(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	s.writeResult(w, inst, inst.Start())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	s.writeResult(w, inst, inst.Stop())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inst.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	var settings input.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := inst.ReadSettings(settings); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Settings())
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	if s.cfg.Ring == nil {
		writeError(w, http.StatusNotFound, errors.New("frame ring disabled"))
		return
	}
	rec, ok := s.cfg.Ring.Latest(inst.ID())
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no frame yet"))
		return
	}
	img, err := rec.Image()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Sequence", strconv.FormatUint(rec.Sequence, 10))
	w.Header().Set("X-Frame-Resolution", rec.Header.Resolution())
	if err := png.Encode(w, img); err != nil {
		s.log.WithError(err).Warn("encode frame preview")
	}
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	if s.cfg.Ring == nil {
		writeError(w, http.StatusNotFound, errors.New("frame ring disabled"))
		return
	}
	recs := s.cfg.Ring.Records(inst.ID())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"frames": recs,
		"count":  len(recs),
	})
}
