// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/failover"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/switchover"
)

type poolView struct {
	Pool      pool.ID   `json:"pool"`
	Addr      string    `json:"addr,omitempty"`
	Release   string    `json:"release,omitempty"`
	State     string    `json:"state"`
	ErrorRate float64   `json:"error_rate"`
	Samples   int       `json:"samples"`
	Since     time.Time `json:"since"`
	Active    bool      `json:"active"`
}

func (s *Server) poolMeta(id pool.ID) (addr, release string) {
	switch id {
	case pool.Blue:
		return s.config.Pools.Blue.Addr, s.config.Pools.Blue.Release
	case pool.Green:
		return s.config.Pools.Green.Addr, s.config.Pools.Green.Release
	}
	return "", ""
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	active, err := s.monitor.Active(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store_unavailable", err)
		return
	}

	snapshots := s.monitor.Snapshots()
	views := make([]poolView, 0, len(snapshots))
	for _, snap := range snapshots {
		addr, release := s.poolMeta(snap.Pool)
		views = append(views, poolView{
			Pool:      snap.Pool,
			Addr:      addr,
			Release:   release,
			State:     snap.StateName,
			ErrorRate: snap.ErrorRate,
			Samples:   snap.Samples,
			Since:     snap.Since,
			Active:    snap.Pool == active.ActivePool,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pools": views,
		"count": len(views),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.monitor.Active(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store_unavailable", err)
		return
	}
	s.respondJSON(w, http.StatusOK, active)
}

type ingestView struct {
	SourceAvailable bool   `json:"source_available"`
	Lines           uint64 `json:"lines"`
	ParseErrors     uint64 `json:"parse_errors"`
}

type statusResponse struct {
	Uptime   float64           `json:"uptime"`
	Version  string            `json:"version"`
	Active   pool.ActiveConfig `json:"active"`
	Failover failover.Status   `json:"failover"`
	Pools    []health.Snapshot `json:"pools"`
	Ingest   ingestView        `json:"ingest"`
	Alerts   alerting.Stats    `json:"alerts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.monitor.Active(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store_unavailable", err)
		return
	}

	lines, parseErrors := s.monitor.IngestCounts()
	s.respondJSON(w, http.StatusOK, statusResponse{
		Uptime:   time.Since(s.startTime).Seconds(),
		Version:  version,
		Active:   active,
		Failover: s.monitor.Status(),
		Pools:    s.monitor.Snapshots(),
		Ingest: ingestView{
			SourceAvailable: s.monitor.SourceAvailable(),
			Lines:           lines,
			ParseErrors:     parseErrors,
		},
		Alerts: s.monitor.AlertStats(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}

	alerts := s.monitor.RecentAlerts(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

type switchRequest struct {
	Target             string `json:"target"`
	ExpectedGeneration uint64 `json:"expected_generation,omitempty"`
	RequestedBy        string `json:"requested_by,omitempty"`
}

type switchResponse struct {
	Active          pool.ActiveConfig `json:"active"`
	ReloadConfirmed bool              `json:"reload_confirmed"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}

	target, err := pool.ParseID(req.Target)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_target", err)
		return
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "api"
	}

	active, err := s.monitor.ManualSwitch(r.Context(), target, req.ExpectedGeneration, requestedBy)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, switchResponse{Active: active, ReloadConfirmed: true})
	case errors.Is(err, switchover.ErrReloadUnconfirmed):
		s.respondJSON(w, http.StatusOK, switchResponse{Active: active, ReloadConfirmed: false})
	case errors.Is(err, switchover.ErrStaleSwitch):
		s.respondError(w, http.StatusConflict, "stale_generation", err)
	case errors.Is(err, switchover.ErrAlreadyActive):
		s.respondError(w, http.StatusConflict, "already_active", err)
	case errors.Is(err, failover.ErrSwitchToDownPool):
		s.respondError(w, http.StatusUnprocessableEntity, "target_down", err)
	default:
		s.respondError(w, http.StatusInternalServerError, "switch_failed", err)
	}
}
