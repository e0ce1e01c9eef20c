package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		Health: &stubHealthRepository{report: domain.SystemHealthReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.SystemHealthCheck{"orders": {Status: domain.HealthStatusOK}},
		}},
		Clock: func() time.Time { return now },
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "abc123" || report.Environment != "prod" {
		t.Fatalf("expected build metadata, got %+v", report)
	}
	if report.Uptime != 5*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected uptime %s or generatedAt %s", report.Uptime, report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportPropagatesErrors(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected health repository to be required")
	}
	boom := errors.New("boom")
	svc, _ := NewSystemService(SystemServiceDeps{Health: &stubHealthRepository{err: boom}})
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected collect error, got %v", err)
	}
}
