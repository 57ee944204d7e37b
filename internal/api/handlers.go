package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aegisflux/backend/fleetwatch/internal/model"
)

// decode reads a JSON body into v. Malformed input wraps base so it maps to 400.
func decode(r *http.Request, w http.ResponseWriter, v any, base error) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", base)
		}
		return fmt.Errorf("%w: invalid JSON: %v", base, err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", model.ErrInvalidArgument)
	}
	return n, nil
}

// POST /activity
func (s *Server) postActivity(w http.ResponseWriter, r *http.Request) {
	var report model.ActivityReport
	if err := decode(r, w, &report, model.ErrInvalidReport); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Pipeline.Ingest(r.Context(), &report)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusCreated)
}

// PendingCommand is the agent-facing view of a command
type PendingCommand struct {
	ID     string            `json:"id"`
	Kind   model.CommandKind `json:"kind"`
	Domain string            `json:"domain"`
	Reason string            `json:"reason"`
}

// PendingResponse answers an agent poll
type PendingResponse struct {
	EndpointID string           `json:"endpoint_id"`
	Commands   []PendingCommand `json:"commands"`
	Count      int              `json:"count"`
}

// GET /commands?endpoint_id=
func (s *Server) getPendingCommands(w http.ResponseWriter, r *http.Request) {
	endpointID := strings.TrimSpace(r.URL.Query().Get("endpoint_id"))
	cmds, err := s.deps.Dispatcher.PollPending(r.Context(), endpointID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := PendingResponse{EndpointID: endpointID, Commands: make([]PendingCommand, 0, len(cmds))}
	for _, c := range cmds {
		resp.Commands = append(resp.Commands, PendingCommand{ID: c.ID, Kind: c.Kind, Domain: c.Domain, Reason: c.Reason})
	}
	resp.Count = len(resp.Commands)
	writeJSON(w, resp, http.StatusOK)
}

type commandRequest struct {
	EndpointID string `json:"endpoint_id"`
	Kind       string `json:"kind"`
	Domain     string `json:"domain"`
	Reason     string `json:"reason"`
}

// POST /commands
func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decode(r, w, &req, model.ErrInvalidArgument); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := model.ParseCommandKind(req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cmd, err := s.deps.Dispatcher.CommandEndpoint(r.Context(), req.EndpointID, kind, req.Domain, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cmd, http.StatusCreated)
}

// GET /commands/all
func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.CommandFilter{EndpointID: strings.TrimSpace(q.Get("endpoint_id"))}

	if raw := q.Get("delivered"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: delivered must be true or false", model.ErrInvalidArgument))
			return
		}
		f.Delivered = &b
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	cmds, err := s.deps.Dispatcher.ListCommands(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []*model.Command{}
	}
	writeJSON(w, map[string]any{"commands": cmds, "count": len(cmds)}, http.StatusOK)
}

// GET /commands/blocked-domains?endpoint_id=
func (s *Server) getBlockedDomains(w http.ResponseWriter, r *http.Request) {
	endpointID := strings.TrimSpace(r.URL.Query().Get("endpoint_id"))
	if endpointID == "" {
		s.writeError(w, r, fmt.Errorf("%w: endpoint_id is required", model.ErrInvalidArgument))
		return
	}

	domains, err := s.deps.Dispatcher.BlockedDomains(r.Context(), endpointID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, map[string]any{
		"endpoint_id":     endpointID,
		"blocked_domains": domains,
		"count":           len(domains),
	}, http.StatusOK)
}

type domainRequest struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

type keywordRequest struct {
	Keyword string `json:"keyword"`
}

// GET /policy
func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Policy.Policy(), http.StatusOK)
}

// POST /policy/domains/blocked
func (s *Server) postBlockedDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decode(r, w, &req, model.ErrInvalidArgument); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Policy.SetBlockedDomain(r.Context(), req.Domain, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

// DELETE /policy/domains/blocked/{domain}
func (s *Server) deleteBlockedDomain(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Policy.RemoveBlockedDomain(r.Context(), chi.URLParam(r, "domain"), r.URL.Query().Get("reason"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

// POST /policy/domains/allowed
func (s *Server) postAllowedDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decode(r, w, &req, model.ErrInvalidArgument); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePolicy(w, r)(s.deps.Policy.AddAllowedDomain(r.Context(), req.Domain))
}

// DELETE /policy/domains/allowed/{domain}
func (s *Server) deleteAllowedDomain(w http.ResponseWriter, r *http.Request) {
	s.writePolicy(w, r)(s.deps.Policy.RemoveAllowedDomain(r.Context(), chi.URLParam(r, "domain")))
}

// POST /policy/keywords
func (s *Server) postKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if err := decode(r, w, &req, model.ErrInvalidArgument); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePolicy(w, r)(s.deps.Policy.AddBlockedKeyword(r.Context(), req.Keyword))
}

// DELETE /policy/keywords/{keyword}
func (s *Server) deleteKeyword(w http.ResponseWriter, r *http.Request) {
	s.writePolicy(w, r)(s.deps.Policy.RemoveBlockedKeyword(r.Context(), chi.URLParam(r, "keyword")))
}

// PUT /policy/thresholds
func (s *Server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var u model.ThresholdsUpdate
	if err := decode(r, w, &u, model.ErrInvalidArgument); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePolicy(w, r)(s.deps.Policy.UpdateThresholds(r.Context(), u))
}

func (s *Server) writePolicy(w http.ResponseWriter, r *http.Request) func(*model.Policy, error) {
	return func(p *model.Policy, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, p, http.StatusOK)
	}
}

// POST /policy/reconcile
func (s *Server) postReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Reconciler.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

// GET /alerts
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := model.AlertFilter{
		Status:     model.AlertStatus(strings.ToLower(q.Get("status"))),
		Severity:   model.Severity(strings.ToLower(q.Get("severity"))),
		EndpointID: strings.TrimSpace(q.Get("endpoint_id")),
		Limit:      limit,
	}

	list, err := s.deps.Alerts.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Alert{}
	}
	writeJSON(w, map[string]any{"alerts": list, "count": len(list)}, http.StatusOK)
}

// GET /alerts/{id}
func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusOK)
}

// POST|PATCH /alerts/{id}/resolve
func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, a, http.StatusOK)
}

// GET /endpoints?active_within=10m
func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := s.deps.Registry.Snapshot()
	if raw := r.URL.Query().Get("active_within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: active_within must be a positive duration", model.ErrInvalidArgument))
			return
		}
		eps = s.deps.Registry.ActiveSince(time.Now().Add(-d))
	}
	if eps == nil {
		eps = []model.Endpoint{}
	}
	writeJSON(w, map[string]any{"endpoints": eps, "count": len(eps)}, http.StatusOK)
}
