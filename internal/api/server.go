// Package api serves the node's local HTTP control surface: manual pump
// control, node status and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/protocol"
)

// Config holds API settings.
type Config struct {
	Listen      string `yaml:"listen"`
	DefaultNode string `yaml:"default_node"`
}

// DefaultConfig returns default API configuration
func DefaultConfig() Config {
	return Config{
		Listen:      ":8080",
		DefaultNode: "nodeB",
	}
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) bool
}

// Server is the local control API.
type Server struct {
	config    Config
	site      string
	publisher Publisher
	status    func() any
	gatherer  prometheus.Gatherer
	log       logger.Logger
	http      *http.Server
}

// New creates the API server. status may be nil.
func New(config Config, site string, publisher Publisher, status func() any, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	s := &Server{
		config:    config,
		site:      site,
		publisher: publisher,
		status:    status,
		gatherer:  gatherer,
		log:       log,
	}
	s.http = &http.Server{
		Addr:              config.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/irrigation/{cmd:on|off|auto|manual}", s.irrigationHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", "addr", s.config.Listen)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// ControlResponse echoes what was published.
type ControlResponse struct {
	Topic   string           `json:"topic"`
	Payload protocol.Command `json:"payload"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) irrigationHandler(w http.ResponseWriter, r *http.Request) {
	cmd := protocol.Command{Cmd: strings.ToUpper(mux.Vars(r)["cmd"])}

	site := r.URL.Query().Get("site")
	if site == "" {
		site = s.site
	}
	node := r.URL.Query().Get("node")
	if node == "" {
		node = s.config.DefaultNode
	}
	topic := protocol.Topic(site, node, protocol.LeafControl)

	payload, err := protocol.Encode(cmd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !s.publisher.Publish(topic, payload, 0, false) {
		s.log.Warn("Control publish failed", "topic", topic, "cmd", cmd.Cmd)
		writeError(w, http.StatusServiceUnavailable, "broker not connected")
		return
	}

	s.log.Info("Control command sent", "topic", topic, "cmd", cmd.Cmd)
	writeJSON(w, http.StatusOK, ControlResponse{Topic: topic, Payload: cmd})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusNotFound, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
