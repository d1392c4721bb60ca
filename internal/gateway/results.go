package gateway

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/metrics"
)

// Result exchange headers.
const (
	HeaderMaxWait        = "X-Max-Wait"
	HeaderMaxSize        = "X-Max-Size"
	HeaderInstanceID     = "X-Task-Instance-Id"
	HeaderPageToken      = "X-Page-Token"
	HeaderPageNextToken  = "X-Page-Next-Token"
	HeaderBufferComplete = "X-Buffer-Complete"
)

func pathToken(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "token")
	token, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || token < 0 {
		return 0, badRequest("token %q", raw)
	}
	return token, nil
}

// pollLimits reads X-Max-Wait and X-Max-Size, falling back to the
// configured defaults and clamping the wait.
func (s *Server) pollLimits(r *http.Request) (time.Duration, int64, error) {
	ex := s.exchange.Load()

	wait := ex.MaxWait
	if v := r.Header.Get(HeaderMaxWait); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return 0, 0, badRequest("%s %q", HeaderMaxWait, v)
		}
		wait = min(d, ex.MaxWaitLimit)
	}

	size := ex.MaxResponseSize
	if v := r.Header.Get(HeaderMaxSize); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil || n == 0 || n > math.MaxInt64 {
			return 0, 0, badRequest("%s %q", HeaderMaxSize, v)
		}
		size = int64(n)
	}
	return wait, size, nil
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := pathToken(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wait, size, err := s.pollLimits(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	instanceID, res, err := s.deps.Registry.Results(r.Context(), id, chi.URLParam(r, "bufferId"), token, size, wait)
	if err != nil && r.Context().Err() != nil {
		return // consumer went away
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", buffer.ContentType)
	h.Set(HeaderInstanceID, instanceID)
	h.Set(HeaderPageToken, strconv.FormatInt(res.Token, 10))
	h.Set(HeaderPageNextToken, strconv.FormatInt(res.NextToken, 10))
	h.Set(HeaderBufferComplete, strconv.FormatBool(res.BufferComplete))
	bodySize := buffer.SerializedSize(res.Pages)
	h.Set("Content-Length", strconv.FormatInt(bodySize, 10))
	w.WriteHeader(http.StatusOK)

	if len(res.Pages) == 0 {
		return
	}
	metrics.ResultPages.Add(float64(len(res.Pages)))
	metrics.ResultBytes.Add(float64(bodySize))
	if err := buffer.WritePages(w, res.Pages); err != nil {
		// headers are gone; the consumer sees a short body and retries the token
		logWriteFailure(r, err)
	}
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := pathToken(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Registry.Acknowledge(id, chi.URLParam(r, "bufferId"), token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBufferDelete(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := pathToken(r); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Registry.DestroyBuffer(id, chi.URLParam(r, "bufferId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
