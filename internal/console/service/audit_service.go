package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/postgres"
)

// AuditLogProvider описывает контракт для чтения архива аудита.
type AuditLogProvider interface {
	ReadPage(ctx context.Context, page, perPage int) ([]audit.Record, int, error)
	Stats(ctx context.Context) (*postgres.AuditStats, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs отдает страницу архива, новые записи первыми.
func (s *AuditService) FetchLogs(ctx context.Context, page, perPage int) ([]audit.Record, int, error) {
	records, total, err := s.repo.ReadPage(ctx, page, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return records, total, nil
}

// Stats — агрегаты за последний час для дашборда.
func (s *AuditService) Stats(ctx context.Context) (*postgres.AuditStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to compute stats: %w", err)
	}
	return stats, nil
}
