package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bravo-optimo/optimo-worker/runtime"
	"github.com/bravo-optimo/optimo-worker/types"
)

// errorBody is the JSON error envelope: {"detail": "..."}.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeControllerError maps run-engine sentinels to status codes.
func writeControllerError(w http.ResponseWriter, err error) {
	var badReq *runtime.BadRequestError
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, badReq.Detail)
	case errors.Is(err, runtime.ErrBusy):
		writeError(w, http.StatusConflict, "Worker is busy")
	case errors.Is(err, runtime.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "Run not found")
	case errors.Is(err, runtime.ErrRunStopping):
		writeError(w, http.StatusConflict, "Run is stopping/stopped")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req types.RunStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	resp, err := s.ctrl.Start(&req)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	var req types.AssignPassesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	resp, err := s.ctrl.Assign(runID, req.Passes)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	includeArtifacts := false
	if raw := r.URL.Query().Get("include_artifacts"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_artifacts must be a boolean")
			return
		}
		includeArtifacts = b
	}

	resp, err := s.ctrl.Results(runID, limit, includeArtifacts)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	resp, err := s.ctrl.Stop(runID)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnlockCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.StopCurrent())
}

func (s *Server) handleParallelSettings(w http.ResponseWriter, r *http.Request) {
	var req types.ParallelSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.UpdateParallelSettings(&req))
}
