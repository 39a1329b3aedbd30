// Package audithttp serves the access audit trail over HTTP.
package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charitydesk/charitydesk/internal/audit"
	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 50
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
	dateLayout        = "2006-01-02"
)

// TimelineService is the read contract consumed by Handler.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.Entry, error)
}

// Handler serves audit timeline requests.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service TimelineService, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: guard, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.fail(w, "load audit timeline", err)
		return
	}
	httpx.OK(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.fail(w, "export audit timeline", err)
		return
	}
	csvBytes, err := audit.WriteCSV(rows)
	if err != nil {
		h.fail(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-trail.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// parseFilters reads an inclusive from/to date range (default: the last week).
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format(dateLayout)
	}
	toTime, err := time.Parse(dateLayout, toStr)
	if err != nil {
		return audit.TimelineFilters{}, filterError("to must be YYYY-MM-DD")
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format(dateLayout)
	}
	fromTime, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return audit.TimelineFilters{}, filterError("from must be YYYY-MM-DD")
	}
	if fromTime.After(toTime) {
		return audit.TimelineFilters{}, filterError("from must not be after to")
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, filterError("range must not exceed 90 days")
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, filterError("page must be a positive integer")
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, filterError("page_size must be a positive integer")
		}
		pageSize = min(parsed, maxPageSize)
	}

	return audit.TimelineFilters{
		From:     fromTime,
		To:       toTime.Add(24 * time.Hour),
		Actor:    strings.TrimSpace(q.Get("actor")),
		Entity:   strings.TrimSpace(q.Get("entity")),
		Action:   strings.TrimSpace(q.Get("action")),
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func filterError(msg string) error {
	return fmt.Errorf("%w: %s", shared.ErrValidation, msg)
}
