package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethomics/rigmonitor/internal/db"
)

func (s *Server) handleListSetups(
	w http.ResponseWriter, r *http.Request,
) {
	setups, err := s.db.ListSetups(r.Context())
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		logStoreError("setups", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if setups == nil {
		setups = []db.SetupInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"setups": setups})
}

func (s *Server) handleListControls(
	w http.ResponseWriter, r *http.Request,
) {
	records, err := s.db.ListControls(r.Context())
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		logStoreError("control", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if records == nil {
		records = []db.ControlRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"control": records})
}

func (s *Server) handleUpdateControl(
	w http.ResponseWriter, r *http.Request,
) {
	setup := r.PathValue("setup")

	var upd db.ControlUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateStatus(upd.Status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.UpdateControl(setup, upd); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"setup": setup})
}

// bulkControlRequest carries one partial update applied to several
// setups atomically.
type bulkControlRequest struct {
	Setups []string         `json:"setups"`
	Update db.ControlUpdate `json:"update"`
}

func (s *Server) handleBulkUpdateControl(
	w http.ResponseWriter, r *http.Request,
) {
	var req bulkControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Setups) == 0 {
		writeError(w, http.StatusBadRequest, "no setups given")
		return
	}
	if err := validateStatus(req.Update.Status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.BulkUpdateControl(req.Setups, req.Update); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(req.Setups)})
}

func validateStatus(status *string) error {
	if status == nil {
		return nil
	}
	switch *status {
	case db.StatusReady, db.StatusRunning, db.StatusSleeping, db.StatusStop:
		return nil
	}
	return errors.New("unknown status " + *status)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case handleContextError(w, err):
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "setup not found")
	case errors.Is(err, db.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logStoreError("control update", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
	}
}
