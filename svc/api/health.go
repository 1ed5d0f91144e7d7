package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/est/p.est.im/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Store    string `json:"store"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready degrades when the backing store is unreachable; a missing
// cache only marks the response degraded since the store remains the
// source of truth.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready: true,
		Store: "up",
		Cache: "up",
	}
	storeCtx, storeCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer storeCancel()
	if err := s.store.Ping(storeCtx); err != nil {
		util.Error().Err(err).Msg("store health check failed")
		resp.Store = "down"
		resp.Degraded = true
		resp.Ready = false
	}
	cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cacheCancel()
	if err := s.cache.Ping(cacheCtx); err != nil {
		util.Error().Err(err).Msg("cache health check failed")
		resp.Cache = "down"
		resp.Degraded = true
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
