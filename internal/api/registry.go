package api

import (
	"net/http"

	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"go.uber.org/zap"
)

const defaultListLimit = 10

// handleTopStrategies returns the best scored strategies
func (s *Server) handleTopStrategies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	top, err := s.discoverer.Registry().TopStrategies(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, map[string]interface{}{"strategies": top, "count": len(top)})
}

// handleRecentStrategies returns the most recently tested strategies
func (s *Server) handleRecentStrategies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	recent, err := s.discoverer.Registry().RecentStrategies(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, map[string]interface{}{"strategies": recent, "count": len(recent)})
}

// handleRegistryStats returns the registry summary and recommendations
func (s *Server) handleRegistryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.discoverer.Stats(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, stats)
}

// handleRegions lists regions. kind=successful returns the regions whose
// best score passed the success threshold, anything else the under-explored
// ones.
func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	reg := s.discoverer.Registry()

	var (
		regions []registry.Region
		err     error
	)
	kind := r.URL.Query().Get("kind")
	switch kind {
	case "successful":
		limit, qerr := queryInt(r, "limit", defaultListLimit)
		if qerr != nil {
			s.errorResponse(w, http.StatusBadRequest, qerr.Error())
			return
		}
		regions, err = reg.SuccessfulRegions(r.Context(), limit)
	case "", "underexplored":
		kind = "underexplored"
		regions, err = reg.UnderexploredRegions(r.Context())
	default:
		s.errorResponse(w, http.StatusBadRequest, "kind must be underexplored or successful")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, map[string]interface{}{"kind": kind, "regions": regions, "count": len(regions)})
}

// handleGenerations returns the discovery session log, newest first
func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	gens, err := s.discoverer.Registry().Generations(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, map[string]interface{}{"generations": gens})
}

// cleanupRequest is the body of /registry/cleanup
type cleanupRequest struct {
	Keep int `json:"keep"`
}

// handleCleanup keeps the best strategies and compacts the store
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{Keep: registry.DefaultKeep}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.Keep < 0 {
		s.errorResponse(w, http.StatusBadRequest, "keep cannot be negative")
		return
	}

	removed, err := s.discoverer.Optimize(r.Context(), req.Keep)
	if err != nil {
		s.logger.Error("Registry cleanup failed", zap.Error(err))
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{"removed": removed, "keep": req.Keep}
	s.hub.PublishToChannel(ChannelRegistry, MsgTypeRegistryCleanup, resp)
	s.jsonResponse(w, resp)
}
