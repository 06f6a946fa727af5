package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tillpoint/tillpoint/internal/dal"
)

const (
	tenantA = "8d6f1d2e-8c1f-4c7a-9b0e-0a1f2b3c4d5e"
	tenantB = "1b2c3d4e-5f60-4718-8293-a4b5c6d7e8f9"
)

func violation(tenant string, at time.Time, kind dal.Kind) dal.SecurityEvent {
	return dal.SecurityEvent{
		ScopeID:     "scope",
		TenantID:    tenant,
		OwnerTenant: tenantB,
		Kind:        kind,
		EntityID:    "row-1",
		Operation:   "write",
		At:          at,
	}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := svc.RecordViolation(context.Background(), violation(tenantA, base.Add(time.Duration(i)*time.Hour), dal.KindProduct)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := svc.RecordViolation(context.Background(), violation(tenantB, base, dal.KindProduct)); err != nil {
		t.Fatalf("record: %v", err)
	}

	result, err := svc.Timeline(context.Background(), TimelineFilters{TenantID: tenantA, Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected a next page, got %+v", result.Paging)
	}
	if !result.Rows[0].At.After(result.Rows[1].At) {
		t.Fatalf("expected newest first")
	}

	result, err = svc.Timeline(context.Background(), TimelineFilters{TenantID: tenantA, Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 1 || result.Paging.HasNext || result.Paging.PrevPage != 1 {
		t.Fatalf("unexpected second page: %+v", result)
	}
}

func TestServiceTimelineFilters(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = svc.RecordViolation(context.Background(), violation(tenantA, base, dal.KindProduct))
	_ = svc.RecordViolation(context.Background(), violation(tenantA, base.Add(time.Hour), dal.KindOrder))

	result, err := svc.Timeline(context.Background(), TimelineFilters{TenantID: tenantA, Kind: string(dal.KindOrder)})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].Kind != "order" {
		t.Fatalf("expected the order violation only, got %+v", result.Rows)
	}
	result, err = svc.Timeline(context.Background(), TimelineFilters{TenantID: tenantA, From: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row after from, got %d", len(result.Rows))
	}
	if result.Paging.PageSize != 20 {
		t.Fatalf("expected default page size, got %d", result.Paging.PageSize)
	}
}

type failingRepo struct{ MemoryRepository }

func (f *failingRepo) InsertSecurityEvent(context.Context, dal.SecurityEvent) error {
	return errors.New("disk full")
}

func TestRecordViolationCountsEvenWhenStoreFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := NewService(&failingRepo{}, reg, nil)
	if err := svc.RecordViolation(context.Background(), violation(tenantA, time.Now(), dal.KindProduct)); err == nil {
		t.Fatal("expected store error")
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 || families[0].GetName() != "tillpoint_security_violations_total" {
		t.Fatalf("unexpected families: %v", families)
	}
	if got := families[0].GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 violation counted, got %v", got)
	}
}

func TestWriteCSV(t *testing.T) {
	out, err := WriteCSV([]TimelineRow{{At: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), TenantID: tenantA, Kind: "product", EntityID: "row-1", Operation: "delete"}})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", out)
	}
	if !strings.HasPrefix(lines[1], "2026-03-01T10:00:00Z,") || !strings.HasSuffix(lines[1], ",delete") {
		t.Fatalf("unexpected row %q", lines[1])
	}
}
