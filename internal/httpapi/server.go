// Package httpapi exposes the CRUD surface plus health and metrics
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/codec"
	"github.com/routekv/kvsd/internal/metrics"
	"github.com/routekv/kvsd/internal/store"
)

// SessionStatus reports whether the BGP control session is up.
type SessionStatus interface {
	Established() bool
}

// DBChecker abstracts the optional snapshot database health check.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv       *http.Server
	store     *store.Store
	session   SessionStatus
	dbChecker DBChecker // nil when persistence is disabled
	logger    *zap.Logger
}

func NewServer(addr string, st *store.Store, session SessionStatus, dbChecker DBChecker, logger *zap.Logger) *Server {
	s := &Server{
		store:     st,
		session:   session,
		dbChecker: dbChecker,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/insert/", s.handleInsert)
	mux.HandleFunc("/get/", s.handleGet)
	mux.HandleFunc("/remove/", s.handleRemove)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("key/value API listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("store_keys", s.store.Len()),
	)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("key/value API serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting CRUD traffic. The store itself keeps serving
// the BGP side until the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("key/value API shutting down", zap.Int("store_keys", s.store.Len()))
	return s.srv.Shutdown(ctx)
}

// pathSegments splits the escaped path after prefix into its "/"
// segments and unescapes each. Keys and values may contain "::" or any
// byte via percent-encoding; "/" inside a segment must be encoded.
func pathSegments(r *http.Request, prefix string) ([]string, error) {
	rest, ok := strings.CutPrefix(r.URL.EscapedPath(), prefix)
	if !ok || rest == "" {
		return nil, fmt.Errorf("missing path segments")
	}
	parts := strings.Split(rest, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("bad escape in %q: %w", p, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.count("insert", http.StatusMethodNotAllowed)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	segs, err := pathSegments(r, "/insert/")
	if err != nil || len(segs) != 2 {
		s.count("insert", http.StatusBadRequest)
		http.Error(w, "expected /insert/{key}/{value}", http.StatusBadRequest)
		return
	}
	key, value := []byte(segs[0]), []byte(segs[1])

	if len(key) == 0 {
		s.count("insert", http.StatusBadRequest)
		http.Error(w, "empty key", http.StatusBadRequest)
		return
	}
	if len(key) > codec.MaxKeyLen || len(value) > codec.MaxValueLen ||
		len(key)+len(value) > codec.MaxPayloadBytes {
		s.count("insert", http.StatusRequestEntityTooLarge)
		http.Error(w, "pair exceeds the encodable size", http.StatusRequestEntityTooLarge)
		return
	}

	version := s.store.Insert(key, value)
	s.logger.Debug("insert",
		zap.ByteString("key", key),
		zap.Uint16("version", version),
	)
	s.count("insert", http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.count("get", http.StatusMethodNotAllowed)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	segs, err := pathSegments(r, "/get/")
	if err != nil || len(segs) != 1 {
		s.count("get", http.StatusBadRequest)
		http.Error(w, "expected /get/{key}", http.StatusBadRequest)
		return
	}

	value, ok := s.store.Get([]byte(segs[0]))
	if !ok {
		s.count("get", http.StatusNotFound)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.count("get", http.StatusOK)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.count("remove", http.StatusMethodNotAllowed)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	segs, err := pathSegments(r, "/remove/")
	if err != nil || len(segs) != 1 {
		s.count("remove", http.StatusBadRequest)
		http.Error(w, "expected /remove/{key}", http.StatusBadRequest)
		return
	}

	if !s.store.Remove([]byte(segs[0])) {
		s.count("remove", http.StatusNotFound)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.count("remove", http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

// handleHealthz is pure liveness: the process is up and the store is
// answering. Session and database state belong to readyz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"store_keys": s.store.Len(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	allOK := true

	if s.session != nil && s.session.Established() {
		checks["bgp_session"] = "ok"
	} else {
		checks["bgp_session"] = "not_established"
		allOK = false
	}

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	checks["store_keys"] = s.store.Len()

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) count(op string, status int) {
	metrics.HTTPRequestsTotal.WithLabelValues(op, fmt.Sprintf("%d", status)).Inc()
}
