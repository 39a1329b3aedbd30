// Package audit reads back the trail written by shared.AuditLogger.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// ExportLimit caps rows returned by Export.
	ExportLimit = 10000
)

// WindowParams is the query shape shared by both repository reads.
type WindowParams struct {
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	Actor      pgtype.Text
	Entity     pgtype.Text
	Action     pgtype.Text
	OffsetRows int32
	LimitRows  int32
}

// Repository reads audit rows newest first.
type Repository interface {
	TimelineWindow(ctx context.Context, arg WindowParams) ([]Entry, error)
}

// Service pages through the audit trail.
type Service struct {
	repo Repository
}

// NewService builds an audit timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline loads one page. It fetches a single extra row to detect a next page.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	params := baseParams(filters)
	params.OffsetRows = int32((page - 1) * pageSize)
	params.LimitRows = int32(pageSize + 1)

	rows, err := s.repo.TimelineWindow(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []Entry{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: rows, Paging: paging}, nil
}

// Export returns every matching row up to ExportLimit.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	params := baseParams(filters)
	params.LimitRows = ExportLimit
	return s.repo.TimelineWindow(ctx, params)
}

func baseParams(filters TimelineFilters) WindowParams {
	return WindowParams{
		FromAt: toPgTime(filters.From),
		ToAt:   toPgTime(filters.To),
		Actor:  optionalText(filters.Actor),
		Entity: optionalText(filters.Entity),
		Action: optionalText(filters.Action),
	}
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
