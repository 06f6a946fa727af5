// Package audit records cross-tenant violations blocked by the DAL and serves
// them back as a timeline.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tillpoint/tillpoint/internal/dal"
)

// Repository persists security events.
type Repository interface {
	InsertSecurityEvent(ctx context.Context, evt dal.SecurityEvent) error
	SecurityTimeline(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
}

// Result wraps a timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// Service records violations and queries them.
type Service struct {
	repo       Repository
	logger     *slog.Logger
	violations *prometheus.CounterVec
}

// NewService builds the audit service. registerer may be nil.
func NewService(repo Repository, registerer prometheus.Registerer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_security_violations_total",
		Help: "Cross-tenant accesses blocked by the data access layer.",
	}, []string{"kind", "operation"})
	if registerer != nil {
		registerer.MustRegister(violations)
	}
	return &Service{repo: repo, logger: logger, violations: violations}
}

// RecordViolation implements dal.SecurityRecorder.
func (s *Service) RecordViolation(ctx context.Context, evt dal.SecurityEvent) error {
	s.violations.WithLabelValues(string(evt.Kind), evt.Operation).Inc()
	if s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	if err := s.repo.InsertSecurityEvent(ctx, evt); err != nil {
		s.logger.Error("persist security event",
			slog.String("tenant", evt.TenantID),
			slog.String("entity", evt.EntityID),
			slog.Any("error", err),
		)
		return fmt.Errorf("audit: insert security event: %w", err)
	}
	return nil
}

// Timeline returns one page of violations of a tenant, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.SecurityTimeline(ctx, WindowParams{
		TenantID:   filters.TenantID,
		From:       filters.From,
		To:         filters.To,
		Kind:       filters.Kind,
		OffsetRows: (page - 1) * pageSize,
		LimitRows:  pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
