package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubTimelineRepo struct {
	rows     []Entry
	lastCall WindowParams
}

func (s *stubTimelineRepo) TimelineWindow(ctx context.Context, arg WindowParams) ([]Entry, error) {
	s.lastCall = arg
	limit := int(arg.LimitRows)
	if limit > 0 && len(s.rows) > limit {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

func mockEntry(at, action, entity string) Entry {
	ts, _ := time.Parse(time.RFC3339, at)
	return Entry{At: ts, ActorEmail: "admin@charitydesk.local", Action: action, Entity: entity, EntityID: uuid.NewString()}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: []Entry{
		mockEntry("2026-03-10T10:00:00Z", "role.update", "role"),
		mockEntry("2026-03-09T09:00:00Z", "role.permission_attach", "role"),
		mockEntry("2026-03-08T08:00:00Z", "module.create", "module"),
	}}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Page:     1,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result.Entries))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected next page 2, got %+v", result.Paging)
	}
	if repo.lastCall.LimitRows != 3 {
		t.Fatalf("expected limitRows 3, got %d", repo.lastCall.LimitRows)
	}
	if repo.lastCall.OffsetRows != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastCall.OffsetRows)
	}
	if !repo.lastCall.FromAt.Valid || !repo.lastCall.ToAt.Valid {
		t.Fatalf("expected time bounds to be set")
	}
}

func TestServiceTimelineDefaultsAndFilters(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 500, Entity: "  role ", Actor: ""})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Entries == nil {
		t.Fatalf("expected empty slice, got nil")
	}
	if result.Paging.PageSize != maxPageSize || result.Paging.PrevPage != 2 || result.Paging.HasNext {
		t.Fatalf("unexpected paging %+v", result.Paging)
	}
	if repo.lastCall.OffsetRows != int32(2*maxPageSize) {
		t.Fatalf("expected offset %d, got %d", 2*maxPageSize, repo.lastCall.OffsetRows)
	}
	if !repo.lastCall.Entity.Valid || repo.lastCall.Entity.String != "role" {
		t.Fatalf("expected trimmed entity filter, got %+v", repo.lastCall.Entity)
	}
	if repo.lastCall.Actor.Valid {
		t.Fatalf("expected actor filter to be unset")
	}
	if repo.lastCall.FromAt.Valid {
		t.Fatalf("expected open lower bound")
	}
}

func TestServiceExportUsesCap(t *testing.T) {
	repo := &stubTimelineRepo{rows: []Entry{mockEntry("2026-03-10T10:00:00Z", "role.delete", "role")}}
	rows, err := NewService(repo).Export(context.Background(), TimelineFilters{Action: "role.delete"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if repo.lastCall.LimitRows != ExportLimit || repo.lastCall.OffsetRows != 0 {
		t.Fatalf("unexpected window %+v", repo.lastCall)
	}
}

func TestServiceWithoutRepository(t *testing.T) {
	if _, err := NewService(nil).Timeline(context.Background(), TimelineFilters{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestWriteCSV(t *testing.T) {
	actor := uuid.MustParse("6f1c1c8e-4f5b-4d43-9a53-1f5c2b1f7d10")
	entries := []Entry{
		{At: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), ActorEmail: "a@charitydesk.local", Action: "role.create", Entity: "role", EntityID: "r1", Meta: map[string]any{"name": "viewer"}},
		{At: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), ActorID: &actor, Action: "user_role.prune", Entity: "user_role", EntityID: "*"},
	}
	out, err := WriteCSV(entries)
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(lines))
	}
	if lines[0] != "at,actor,action,entity,entity_id,meta" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[1] != `2026-03-10T10:00:00Z,a@charitydesk.local,role.create,role,r1,"{""name"":""viewer""}"` {
		t.Fatalf("unexpected row %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "2026-03-11T09:00:00Z,"+actor.String()+",") {
		t.Fatalf("expected actor id fallback, got %q", lines[2])
	}
}
