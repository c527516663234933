package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/service"
	"github.com/devrev/pairdb/cache-node/internal/store"
	"github.com/devrev/pairdb/cache-node/internal/util/workerpool"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxValueSize = 1 << 20

// AdminServer serves health, metrics, rehash introspection and a small
// key/value API over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	nodeID     string
	cache      *service.CacheService
	membership *service.MembershipService
	manager    *service.RehashManager
	translog   *service.TransactionLogger
	episodes   store.EpisodeStore
	pool       *workerpool.WorkerPool
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// AdminServerConfig holds admin server settings
type AdminServerConfig struct {
	Port              int
	RequestsPerSecond float64
	BurstSize         int
}

// AdminDeps are the services the admin server reads from
type AdminDeps struct {
	NodeID     string
	Cache      *service.CacheService
	Membership *service.MembershipService
	Manager    *service.RehashManager
	Translog   *service.TransactionLogger
	Episodes   store.EpisodeStore
	Pool       *workerpool.WorkerPool // Optional, the rehash RPC pool
	Gatherer   prometheus.Gatherer
}

// NewAdminServer creates the admin server and its routes
func NewAdminServer(cfg *AdminServerConfig, deps AdminDeps, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		nodeID:     deps.NodeID,
		cache:      deps.Cache,
		membership: deps.Membership,
		manager:    deps.Manager,
		translog:   deps.Translog,
		episodes:   deps.Episodes,
		pool:       deps.Pool,
		gatherer:   deps.Gatherer,
		logger:     logger,
	}
	s.setupRoutes(cfg)
	return s
}

func (s *AdminServer) setupRoutes(cfg *AdminServerConfig) {
	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))
	if cfg.RequestsPerSecond > 0 {
		s.router.Use(NewRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize, s.logger).Limit)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/view", s.handleView).Methods(http.MethodGet)
	admin.HandleFunc("/episodes", s.handleListEpisodes).Methods(http.MethodGet)
	admin.HandleFunc("/episodes/{episode_id}", s.handleGetEpisode).Methods(http.MethodGet)
	admin.HandleFunc("/translog", s.handleTranslog).Methods(http.MethodGet)
	admin.HandleFunc("/pool", s.handlePool).Methods(http.MethodGet)
	admin.HandleFunc("/rehash", s.handleSetRehash).Methods(http.MethodPut)

	cache := s.router.PathPrefix("/cache").Subrouter()
	cache.HandleFunc("/{key}", s.handleGet).Methods(http.MethodGet)
	cache.HandleFunc("/{key}", s.handlePut).Methods(http.MethodPut)
	cache.HandleFunc("/{key}", s.handleDelete).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
}

// Handler returns the router, for tests
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start serves in the background
func (s *AdminServer) Start() {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"node_id":   s.nodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.episodes.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "episode_store_unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"members":           s.membership.View().Size(),
		"unhandled_leavers": len(s.manager.UnhandledLeavers()),
	})
}

type viewResponse struct {
	NodeID           string   `json:"node_id"`
	Members          []string `json:"members"`
	VirtualNodes     int      `json:"virtual_nodes"`
	NumOwners        int      `json:"num_owners"`
	UnhandledLeavers []string `json:"unhandled_leavers"`
	RehashEnabled    bool     `json:"rehash_enabled"`
}

func (s *AdminServer) handleView(w http.ResponseWriter, r *http.Request) {
	view := s.membership.View()
	writeJSON(w, http.StatusOK, viewResponse{
		NodeID:           s.nodeID,
		Members:          view.Members(),
		VirtualNodes:     view.VirtualNodes(),
		NumOwners:        view.NumOwners(),
		UnhandledLeavers: s.manager.UnhandledLeavers(),
		RehashEnabled:    s.manager.Enabled(),
	})
}

func (s *AdminServer) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	episodes, err := s.manager.Episodes(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list episodes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list episodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"episodes": episodes})
}

func (s *AdminServer) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["episode_id"]
	episode, err := s.manager.Episode(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "episode not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get episode", zap.String("episode_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get episode")
		return
	}
	writeJSON(w, http.StatusOK, episode)
}

func (s *AdminServer) handleTranslog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.translog.Status())
}

type poolResponse struct {
	workerpool.Stats
	SuccessRate float64 `json:"success_rate"`
}

func (s *AdminServer) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusNotFound, "rehash calls do not use a worker pool")
		return
	}
	stats := s.pool.Stats()
	writeJSON(w, http.StatusOK, poolResponse{Stats: stats, SuccessRate: stats.SuccessRate()})
}

type rehashRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *AdminServer) handleSetRehash(w http.ResponseWriter, r *http.Request) {
	var req rehashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	s.manager.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.manager.Enabled()})
}

type valueResponse struct {
	Key    string   `json:"key"`
	Value  string   `json:"value"`
	Owners []string `json:"owners"`
}

func (s *AdminServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, ok := s.cache.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{
		Key:    key,
		Value:  string(value),
		Owners: s.membership.View().Owners(key),
	})
}

func (s *AdminServer) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(value) > maxValueSize {
		writeError(w, http.StatusRequestEntityTooLarge, "value too large")
		return
	}

	if err := s.checkOwner(key); err != nil {
		s.writeServiceError(w, err)
		return
	}

	cmd, err := s.cache.Put(r.Context(), key, value)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     key,
		"version": cmd.Modifications[0].Version,
	})
}

func (s *AdminServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.checkOwner(key); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.cache.Remove(r.Context(), key); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkOwner rejects writes for keys this node does not own in the
// installed view
func (s *AdminServer) checkOwner(key string) error {
	if key == "" || s.membership.View().IsOwner(key, s.nodeID) {
		return nil
	}
	return rerrors.NotOwner(s.nodeID, key).WithDetail("owners", s.membership.View().Owners(key))
}

func (s *AdminServer) writeServiceError(w http.ResponseWriter, err error) {
	switch rerrors.GetCode(err) {
	case rerrors.ErrCodeInvalidArgument:
		writeError(w, http.StatusBadRequest, err.Error())
	case rerrors.ErrCodeNotOwner:
		writeError(w, http.StatusMisdirectedRequest, err.Error())
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
