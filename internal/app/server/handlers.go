package server

import (
	"errors"
	"net/http"
	"net/netip"

	"remedy/internal/app/version"
	"remedy/internal/cache"
	"remedy/internal/domain"
)

type remediationResponse struct {
	IP          string `json:"ip"`
	Remediation string `json:"remediation"`
}

func (s *Server) getRemediation(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		writeError(w, "invalid ip", http.StatusBadRequest)
		return
	}

	ip := addr.Unmap().String()
	writeJSON(w, http.StatusOK, remediationResponse{
		IP:          ip,
		Remediation: s.engine.GetIPRemediation(r.Context(), ip),
	})
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.refresher.Trigger(r.Context(), "api")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearCache(r.Context()); err != nil {
		s.logger.Error("Cache clear failed", "type", "CACHE_CLEAR_FAILED", "error", err)
		writeError(w, "cache clear failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteCacheScope(w http.ResponseWriter, r *http.Request) {
	err := s.engine.InvalidateScope(r.Context(), domain.Scope(r.PathValue("scope")))
	switch {
	case errors.Is(err, cache.ErrInvalidScope):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, cache.ErrNoTagInvalidation):
		writeError(w, err.Error(), http.StatusNotImplemented)
	case err != nil:
		s.logger.Error("Cache scope invalidation failed", "type", "CACHE_INVALIDATE_FAILED", "error", err)
		writeError(w, "cache invalidation failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) pruneCache(w http.ResponseWriter, r *http.Request) {
	err := s.engine.PruneCache(r.Context())
	switch {
	case errors.Is(err, cache.ErrNotPruneable):
		writeError(w, err.Error(), http.StatusNotImplemented)
	case err != nil:
		s.logger.Error("Cache prune failed", "type", "CACHE_PRUNE_FAILED", "error", err)
		writeError(w, "cache prune failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}
