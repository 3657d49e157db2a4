package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"OpenMCP-Hub/internal/company"
	"OpenMCP-Hub/internal/engine"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/hub"
	"OpenMCP-Hub/internal/storage/archive"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxBodySize         = 1 << 20
)

type startRunRequest struct {
	Owner string         `json:"owner"`
	Input map[string]any `json:"input"`
	// Manual 为 true 时不在后台驱动，由调用方逐步调用 next。
	Manual bool `json:"manual"`
}

type startRunResponse struct {
	ObjectiveID string `json:"objective_id"`
	Plan        string `json:"plan"`
	Manual      bool   `json:"manual"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "hub": s.hub.Name()})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		records []hub.Record
		err     error
	)
	if capability := r.URL.Query().Get("capability"); capability != "" {
		records, err = s.hub.FindByCapability(r.Context(), capability)
	} else {
		records, err = s.hub.List(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": records})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.hub.GetAgentInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.runner.Company().Plans})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body"))
		return
	}

	plan := chi.URLParam(r, "name")
	id, err := s.runner.StartPlan(r.Context(), plan, req.Owner, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !req.Manual {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if _, err := s.runner.Drive(s.baseCtx, id); err != nil {
				s.logger.Warn("后台计划执行失败", "objective", id, "error", err)
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{ObjectiveID: id, Plan: plan, Manual: req.Manual})
}

func (s *Server) handleListObjectives(w http.ResponseWriter, r *http.Request) {
	objectives, err := s.supervisor.ListObjectives(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objectives": objectives})
}

// handleGetObjective 优先返回在途目标的快照，已结束的目标从运行历史中读取。
func (s *Server) handleGetObjective(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	proc, err := s.supervisor.Get(r.Context(), id)
	if err == nil {
		snap, err := proc.Snapshot(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	if s.history != nil {
		if rec, herr := s.history.Get(r.Context(), id); herr == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	if err == nil {
		err = xerrors.New(engine.CodeObjectiveNotFound, "", xerrors.WithField("id", id))
	}
	s.writeError(w, err)
}

func (s *Server) handleNextStep(w http.ResponseWriter, r *http.Request) {
	out, err := s.runner.ExecuteNextStep(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelObjective(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.CancelPlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []archive.RunRecord{}})
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	runs, err := s.history.ListLatest(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []archive.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, hub.CodeAgentNotFound, engine.CodeObjectiveNotFound,
		company.CodePlanNotFound, company.CodeRunNotFound, archive.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeCancelled, hub.CodeAlreadyRegistered, hub.CodeAgentOffline, engine.CodeAlreadyRunning:
		return http.StatusConflict
	case company.CodeMissingAgent, company.CodeNoMatchingRole:
		return http.StatusUnprocessableEntity
	case company.CodeDispatchTimeout, xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	if xerrors.ClassOf(err) == xerrors.ClassValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "error", err)
	}
	resp := errorResponse{Error: err.Error(), Code: string(xerrors.CodeOf(err))}
	if e, ok := xerrors.From(err); ok {
		resp.Fields = e.Fields()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
