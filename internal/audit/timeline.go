package audit

import "time"

// TimelineFilters narrows the security event timeline.
type TimelineFilters struct {
	TenantID string
	From     time.Time
	To       time.Time
	Kind     string
	Page     int
	PageSize int
}

// TimelineRow is one recorded violation.
type TimelineRow struct {
	At          time.Time `json:"at"`
	ScopeID     string    `json:"scope_id"`
	TenantID    string    `json:"tenant_id"`
	OwnerTenant string    `json:"owner_tenant,omitempty"`
	Kind        string    `json:"kind"`
	EntityID    string    `json:"entity_id"`
	Operation   string    `json:"operation"`
}

// PagingInfo carries simple page metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// WindowParams is a store query for one page of the timeline.
type WindowParams struct {
	TenantID   string
	From       time.Time
	To         time.Time
	Kind       string
	OffsetRows int
	LimitRows  int
}
