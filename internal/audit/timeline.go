package audit

import (
	"time"

	"github.com/google/uuid"
)

// TimelineFilters narrows the audit trail.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// Entry is one recorded RBAC mutation.
type Entry struct {
	At         time.Time      `json:"at"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	ActorEmail string         `json:"actor_email,omitempty"`
	Action     string         `json:"action"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// PagingInfo is window based: HasNext is known without counting rows.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result bundles a timeline page.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}
