package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/oxide/internal/tasks"
)

func taskID(r *http.Request) (tasks.TaskID, error) {
	return tasks.ParseTaskID(chi.URLParam(r, "taskId"))
}

// flag reports whether a query parameter is present and not explicitly
// false, so both "?abort" and "?abort=true" enable it.
func flag(r *http.Request, name string) bool {
	q := r.URL.Query()
	if !q.Has(name) {
		return false
	}
	switch strings.ToLower(q.Get(name)) {
	case "false", "0", "no":
		return false
	}
	return true
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Registry.AllTaskInfo(flag(r, "summarize"))
	if infos == nil {
		infos = []tasks.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req tasks.TaskUpdateRequest
	if err := decodeBody(r, "task update", &req); err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.deps.Registry.UpdateTask(id, req, flag(r, "summarize"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.deps.Registry.TaskInfo(id, flag(r, "summarize"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := s.deps.Registry.TaskStatus(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleTaskDelete cancels the task, or aborts it when ?abort is given.
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summarize := flag(r, "summarize")
	var info tasks.TaskInfo
	if flag(r, "abort") {
		info, err = s.deps.Registry.AbortTask(id, summarize)
	} else {
		info, err = s.deps.Registry.CancelTask(id, summarize)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
