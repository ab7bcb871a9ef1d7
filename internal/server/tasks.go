package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethomics/rigmonitor/internal/db"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks(r.Context())
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		logStoreError("tasks", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if tasks == nil {
		tasks = []db.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t db.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t.Task == "" {
		writeError(w, http.StatusBadRequest, "task name is required")
		return
	}

	created, err := s.db.CreateTask(t)
	if err != nil {
		logStoreError("task create", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func taskIdxParam(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		return 0, errors.New("invalid task index")
	}
	return idx, nil
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	idx, err := taskIdxParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var t db.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t.TaskIdx = idx

	if err := s.db.UpdateTask(t); err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	idx, err := taskIdxParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.DeleteTask(idx); err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": idx})
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, db.ErrTaskInUse):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logStoreError("task update", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
	}
}
