// File: api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invisibleface/features"
	"invisibleface/logging"
	"invisibleface/models"
	"invisibleface/service"
	"invisibleface/storage"
)

const maxRequestBytes = 4 << 20

type EnrollRequest struct {
	Feature []float64 `json:"feature"`
}

type StatusResponse struct {
	Blocks         int     `json:"k"`
	KeySize        int     `json:"key_size"`
	L              string  `json:"l"`
	M              float64 `json:"m"`
	SecurityBits   float64 `json:"security_bits"`
	KeyFingerprint string  `json:"key_fingerprint"`
	Records        int     `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a pipeline over HTTP. It only needs the public key.
type Server struct {
	pipeline    *service.Pipeline
	store       storage.RecordStore
	keySize     int
	fingerprint string
	gatherer    prometheus.Gatherer
	logger      logging.Logger
	mux         *http.ServeMux
}

// NewServer wires the routes. A nil gatherer disables /metrics.
func NewServer(pipeline *service.Pipeline, store storage.RecordStore, keySize int, fingerprint string, gatherer prometheus.Gatherer, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		pipeline:    pipeline,
		store:       store,
		keySize:     keySize,
		fingerprint: fingerprint,
		gatherer:    gatherer,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/enroll", s.handleEnroll)
	s.mux.HandleFunc("/api/records", s.handleGetRecord)
	s.mux.HandleFunc("/api/status", s.handleGetStatus)
	s.mux.HandleFunc("/api/metrics", s.handleGetMetrics)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverChan := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting enrollment API", "addr", addr)
		serverChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		s.logger.Info(ctx, "server shutdown completed")
		return nil
	}
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EnrollRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	feature := append([]float64(nil), req.Feature...)
	if err := features.Normalize(feature); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.pipeline.Submit(r.Context(), feature)
	if err != nil {
		var (
			dimErr   *models.DimensionError
			featErr  *models.InvalidFeatureError
			rangeErr *models.EncryptionRangeError
		)
		switch {
		case errors.As(err, &dimErr), errors.As(err, &featErr):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &rangeErr):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error(r.Context(), "enrollment failed", "error", err)
			writeError(w, http.StatusInternalServerError, "enrollment failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	rec, err := s.store.LoadRecord(index)
	if errors.Is(err, storage.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error(r.Context(), "failed to load record", "index", index, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count, err := s.store.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}

	sp := s.pipeline.Params()
	writeJSON(w, http.StatusOK, StatusResponse{
		Blocks:         sp.K,
		KeySize:        s.keySize,
		L:              sp.L().String(),
		M:              sp.M(),
		SecurityBits:   sp.SecurityBits(),
		KeyFingerprint: s.fingerprint,
		Records:        count,
	})
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Metrics().GetMetrics())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
