package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// AdminService — управляющие операции консоли: жизненный цикл ключей,
// блокировки акторов, управление каталогом агентов. Консоль — отдельный
// процесс: состояние ядра меняется через Postgres и Redis-сигналы.
type AdminService struct {
	keys        *access.KeyStore
	blocklist   *access.Blocklist
	trail       audit.Auditor
	rdb         *redis.Client
	manifestDir string // Источник правды discovery-режима
	logger      *zap.Logger
}

func NewAdminService(
	keys *access.KeyStore,
	blocklist *access.Blocklist,
	trail audit.Auditor,
	rdb *redis.Client,
	manifestDir string,
	logger *zap.Logger,
) *AdminService {
	return &AdminService{
		keys:        keys,
		blocklist:   blocklist,
		trail:       trail,
		rdb:         rdb,
		manifestDir: manifestDir,
		logger:      logger.Named("admin-service"),
	}
}

// --- Ключи ---

func (s *AdminService) IssueKey(ctx context.Context, operatorID, agent string, role domain.Role) (domain.Credential, error) {
	if !domain.ValidRole(role) {
		return domain.Credential{}, fmt.Errorf("unknown role %q", role)
	}
	cred, err := s.keys.Issue(ctx, agent, role)
	if err != nil {
		return domain.Credential{}, err
	}
	s.trail.Log(audit.Record{
		Actor:   operatorID,
		Agent:   agent,
		Action:  audit.ActionKeyIssued,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"key_id": cred.KeyID, "role": string(role)},
	})
	s.logger.Info("api key issued",
		zap.String("key_id", cred.KeyID),
		zap.String("agent", agent),
		zap.String("role", string(role)),
		zap.String("operator", operatorID))
	return cred, nil
}

func (s *AdminService) RevokeKey(ctx context.Context, operatorID, keyID string) error {
	err := s.keys.Revoke(ctx, keyID)
	outcome := audit.OutcomeAllowed
	if err != nil {
		outcome = audit.OutcomeError
	}
	s.trail.Log(audit.Record{
		Actor:   operatorID,
		Action:  audit.ActionKeyRevoked,
		Outcome: outcome,
		Context: map[string]interface{}{"key_id": keyID},
	})
	return err
}

func (s *AdminService) RotateKey(ctx context.Context, operatorID, keyID string) (domain.Credential, error) {
	cred, err := s.keys.Rotate(ctx, keyID)
	if err != nil {
		s.trail.Log(audit.Record{
			Actor:   operatorID,
			Action:  audit.ActionKeyRotated,
			Outcome: audit.OutcomeError,
			Context: map[string]interface{}{"key_id": keyID},
		})
		return domain.Credential{}, err
	}
	s.trail.Log(audit.Record{
		Actor:   operatorID,
		Agent:   cred.Agent,
		Action:  audit.ActionKeyRotated,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"old_key_id": keyID, "new_key_id": cred.KeyID},
	})
	return cred, nil
}

// --- Акторы ---

func (s *AdminService) BlockedActors() []string {
	return s.blocklist.List()
}

func (s *AdminService) BlockActor(ctx context.Context, operatorID, actorID string) error {
	s.blocklist.Block(ctx, actorID)
	s.trail.Log(audit.Record{
		Actor:   actorID,
		Action:  audit.ActionActorBlocked,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"blocked_by": operatorID},
	})
	return nil
}

// ClearBlock снимает блокировку. Требование admin-права проверяет
// HTTP-периметр; здесь фиксируется подотчетность.
func (s *AdminService) ClearBlock(ctx context.Context, operatorID, actorID string) error {
	s.blocklist.Unblock(ctx, actorID)
	s.trail.Log(audit.Record{
		Actor:   actorID,
		Action:  audit.ActionActorUnblocked,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"cleared_by": operatorID},
	})
	return nil
}

// --- Каталог агентов ---

// ListAgents читает манифесты с диска. Манифест-каталог — источник
// правды discovery-режима, его видят и ядро, и консоль.
func (s *AdminService) ListAgents() ([]*domain.AgentDescriptor, error) {
	entries, err := os.ReadDir(s.manifestDir)
	if err != nil {
		return nil, err
	}

	// Гарантируем фронтенду пустой массив [], а не null
	out := make([]*domain.AgentDescriptor, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.manifestDir, ent.Name()))
		if err != nil {
			continue
		}
		var m domain.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		desc, err := m.Descriptor()
		if err != nil {
			continue
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReloadAgent шлет ядру сигнал перечитать манифест. Подтверждения нет:
// сигнал best effort, результат виден в /v1/agents/health ядра.
func (s *AdminService) ReloadAgent(ctx context.Context, operatorID, name string) error {
	path := filepath.Join(s.manifestDir, name+".json")
	if _, err := os.Stat(path); err != nil {
		return domain.ErrNotFound
	}
	payload := fmt.Sprintf("%s:true", name)
	if err := s.rdb.Publish(ctx, infra.RedisChanRegistryReload, payload).Err(); err != nil {
		return fmt.Errorf("reload signal failure: %w", err)
	}
	s.logger.Info("agent reload requested",
		zap.String("agent", name), zap.String("operator", operatorID))
	return nil
}

// DeregisterAgent убирает манифест и шлет сигнал снятия. Без удаления
// файла агент вернулся бы при следующем скане.
func (s *AdminService) DeregisterAgent(ctx context.Context, operatorID, name string) error {
	path := filepath.Join(s.manifestDir, name+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	payload := fmt.Sprintf("%s:false", name)
	if err := s.rdb.Publish(ctx, infra.RedisChanRegistryReload, payload).Err(); err != nil {
		return fmt.Errorf("deregister signal failure: %w", err)
	}
	s.logger.Info("agent deregistered",
		zap.String("agent", name), zap.String("operator", operatorID))
	return nil
}
