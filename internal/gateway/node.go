package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
)

const maxBodySize = 16 << 20

func (s *Server) handleMemoryAssignments(w http.ResponseWriter, r *http.Request) {
	var req memory.AssignmentsRequest
	if err := decodeBody(r, "memory assignments", &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Memory.ApplyAssignments(req))
}

func (s *Server) handleMemoryPool(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Memory.Snapshot(memory.PoolID(chi.URLParam(r, "poolId")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Node.Info())
}

func (s *Server) handleInfoState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Node.State())
}

func (s *Server) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, ErrUnsupported)
}

func (s *Server) handleNotCoordinator(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, ErrNotCoordinator)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Node.Status(s.deps.Memory, s.deps.Registry, s.deps.Drivers))
}

func (s *Server) handleStatusProbe(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleEvents serves bus history. Optional query parameters: limit,
// task, type (repeatable) and after (a sequence number, for polling).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, badRequest("limit %q", v))
			return
		}
		limit = n
	}
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, r, badRequest("after %q", v))
			return
		}
		after = n
	}

	filter := events.Filter{TaskID: q.Get("task")}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, events.EventType(t))
	}

	history := []events.Event{}
	if limit > 0 {
		if found := s.deps.Bus.Query(filter, after, limit); found != nil {
			history = found
		}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, r, ErrJournalOff)
		return
	}
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.deps.Journal.Read(id.String())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []events.Event{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleJournalDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, r, ErrJournalOff)
		return
	}
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Journal.Remove(id.String()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads and unmarshals a JSON body. Failures are logged with the
// raw payload at debug level and returned as *DecodeError.
func decodeBody(r *http.Request, what string, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return &DecodeError{What: what, Err: err}
	}
	if len(data) > maxBodySize {
		return &DecodeError{What: what, Err: errBodyTooLarge}
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Error("failed to deserialize request", "what", what, "path", r.URL.Path, "error", err)
		slog.Debug("rejected payload", "what", what, "body", string(data))
		return &DecodeError{What: what, Err: err}
	}
	return nil
}
