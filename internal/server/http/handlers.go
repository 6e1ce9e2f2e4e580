package httpserver

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

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/observability"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	defaultRecentDays  = 7
	defaultTopDays     = 30
	maxWindowDays      = 365
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
)

// fetchRequest is the JSON request body for POST /fetch.
type fetchRequest struct {
	Keywords        []string `json:"keywords"`
	MaxPapers       *int     `json:"max_papers,omitempty"`
	OneNewPaperOnly *bool    `json:"one_new_paper_only,omitempty"`
	RecentDays      *int     `json:"recent_days,omitempty"`
}

// listRecentPapers handles GET /papers/recent?days=&limit=.
// It returns papers fetched within the window, newest first.
func (s *Server) listRecentPapers(w http.ResponseWriter, r *http.Request) {
	since, limit, ok := s.parseWindowParams(w, r, defaultRecentDays)
	if !ok {
		return
	}

	papers, err := s.store.ListRecent(r.Context(), since, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listPapersResponse{
		Papers:     papersToResponse(papers),
		Since:      &since,
		TotalCount: len(papers),
	})
}

// listTopCitedPapers handles GET /papers/top-cited?days=&limit=.
// It returns papers fetched within the window, most cited first.
func (s *Server) listTopCitedPapers(w http.ResponseWriter, r *http.Request) {
	since, limit, ok := s.parseWindowParams(w, r, defaultTopDays)
	if !ok {
		return
	}

	papers, err := s.store.ListTopCited(r.Context(), since, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listPapersResponse{
		Papers:     papersToResponse(papers),
		Since:      &since,
		TotalCount: len(papers),
	})
}

// listPapersByKeyword handles GET /papers/by-keyword?q=&limit=.
// It returns papers whose title or abstract mentions q, most cited first.
func (s *Server) listPapersByKeyword(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	papers, err := s.store.ListByKeyword(r.Context(), keyword, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listPapersResponse{
		Papers:     papersToResponse(papers),
		TotalCount: len(papers),
	})
}

// listUnpublishedPapers handles GET /papers/unpublished?limit=.
// It returns summarized papers not yet published, newest first.
func (s *Server) listUnpublishedPapers(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	papers, err := s.store.ListUnpublished(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listPapersResponse{
		Papers:     papersToResponse(papers),
		TotalCount: len(papers),
	})
}

// markPaperPublished handles POST /papers/{id}/published.
func (s *Server) markPaperPublished(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	if err := s.store.MarkPublished(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"published": true,
	})
}

// startFetch handles POST /fetch.
// It runs one aggregation and intake synchronously and returns the counts.
func (s *Server) startFetch(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetch is not configured")
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req fetchRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}

	// Omitted fields fall back to the configured run.
	run := s.cfg.FetchDefaults
	if len(req.Keywords) > 0 {
		run.Keywords = req.Keywords
	} else {
		run.Keywords = append([]string(nil), s.cfg.FetchDefaults.Keywords...)
	}
	if req.MaxPapers != nil {
		run.MaxPapers = *req.MaxPapers
	}
	if req.OneNewPaperOnly != nil {
		run.OneNewPaperOnly = *req.OneNewPaperOnly
	}
	if req.RecentDays != nil {
		run.RecentDays = *req.RecentDays
	}

	if err := run.Validate(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.fetcher.Fetch(r.Context(), run)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, fetchResultToResponse(result))
}

// parseWindowParams reads days and limit, applying defaults and bounds.
// It writes a 400 response and returns false on malformed input.
func (s *Server) parseWindowParams(w http.ResponseWriter, r *http.Request, defaultDays int) (time.Time, int, bool) {
	days := defaultDays
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxWindowDays {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxWindowDays))
			return time.Time{}, 0, false
		}
		days = parsed
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return time.Time{}, 0, false
	}

	return s.now().UTC().AddDate(0, 0, -days), limit, true
}

// parseLimit reads limit, defaulting to defaultPageSize and capping at
// maxPageSize. It writes a 400 response and returns false on malformed input.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		limit = parsed
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, true
}

// writeDomainError maps domain errors to HTTP status codes and writes a JSON
// error response. Internal error details are not leaked to clients.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		reqLogger := observability.FromContext(r.Context(), s.logger)
		reqLogger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
