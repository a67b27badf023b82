package access

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// KeyRow — строка таблицы ключей для персистентного хранилища.
// Секрет не покидает процесс выдачи: хранится только его SHA-256.
type KeyRow struct {
	ID        string
	Hash      string
	Agent     string
	Role      domain.Role
	Active    bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// KeyRepository — персистентное хранилище ключей. Консоль пишет сюда,
// ядро подхватывает изменения по сигналу.
type KeyRepository interface {
	SaveKey(ctx context.Context, row KeyRow) error
	DeactivateKey(ctx context.Context, keyID string) error
	GetKey(ctx context.Context, keyID string) (*KeyRow, error)
	ListActiveKeys(ctx context.Context) ([]KeyRow, error)
}

// AttachPersistence включает write-through в Postgres и трансляцию
// изменений через Redis. Без вызова KeyStore остается чисто in-memory
// (тесты, single-binary режим).
func (s *KeyStore) AttachPersistence(repo KeyRepository, rdb *redis.Client, logger *zap.Logger) {
	s.repo = repo
	s.rdb = rdb
	s.logger = logger.Named("keystore")
}

// LoadActive прогревает in-memory карту из персистентного хранилища.
// Вызывается ядром на старте и при каждом переподключении слушателя.
func (s *KeyStore) LoadActive(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	rows, err := s.repo.ListActiveKeys(ctx)
	if err != nil {
		return fmt.Errorf("keystore: load failed: %w", err)
	}

	s.mu.Lock()
	for _, row := range rows {
		s.keys[row.ID] = recordFromRow(row)
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("key cache warmed", zap.Int("keys", len(rows)))
	}
	return nil
}

// StartListener блокируется, применяя сигналы изменений ключей:
// "keyID:true" — ключ выдан/ротирован на другом инстансе, подтягиваем;
// "keyID:false" — отозван, гасим немедленно.
func (s *KeyStore) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	infra.ListenStateResilient(ctx, s.rdb, s.logger, infra.RedisChanKeyChange,
		func() error { return s.LoadActive(ctx) },
		func(keyID string, active bool) {
			if !active {
				s.mu.Lock()
				if rec, ok := s.keys[keyID]; ok {
					rec.active = false
				}
				s.mu.Unlock()
				return
			}
			if s.repo == nil {
				return
			}
			row, err := s.repo.GetKey(ctx, keyID)
			if err != nil || row == nil {
				s.logger.Warn("key signal fetch failed", zap.String("key_id", keyID), zap.Error(err))
				return
			}
			s.mu.Lock()
			s.keys[row.ID] = recordFromRow(*row)
			s.mu.Unlock()
		})
}

// persist пишет строку в хранилище и транслирует сигнал.
// Вызывается уже ПОСЛЕ изменения in-memory состояния.
func (s *KeyStore) persist(ctx context.Context, row KeyRow) error {
	if s.repo != nil {
		if err := s.repo.SaveKey(ctx, row); err != nil {
			return fmt.Errorf("keystore: persist %s failed: %w", row.ID, err)
		}
	}
	s.publish(ctx, row.ID, row.Active)
	return nil
}

func (s *KeyStore) persistDeactivate(ctx context.Context, keyID string) error {
	if s.repo != nil {
		if err := s.repo.DeactivateKey(ctx, keyID); err != nil {
			return fmt.Errorf("keystore: deactivate %s failed: %w", keyID, err)
		}
	}
	s.publish(ctx, keyID, false)
	return nil
}

// publish — best effort: потеря сигнала чинится прогревом при переподключении.
func (s *KeyStore) publish(ctx context.Context, keyID string, active bool) {
	if s.rdb == nil {
		return
	}
	payload := fmt.Sprintf("%s:%t", keyID, active)
	if err := s.rdb.Publish(ctx, infra.RedisChanKeyChange, payload).Err(); err != nil && s.logger != nil {
		s.logger.Warn("key signal delivery failed", zap.String("key_id", keyID), zap.Error(err))
	}
}

func recordFromRow(row KeyRow) *keyRecord {
	return &keyRecord{
		id:        row.ID,
		hash:      row.Hash,
		agent:     row.Agent,
		role:      row.Role,
		active:    row.Active,
		issuedAt:  row.IssuedAt,
		expiresAt: row.ExpiresAt,
	}
}

func rowFromRecord(rec *keyRecord) KeyRow {
	return KeyRow{
		ID:        rec.id,
		Hash:      rec.hash,
		Agent:     rec.agent,
		Role:      rec.role,
		Active:    rec.active,
		IssuedAt:  rec.issuedAt,
		ExpiresAt: rec.expiresAt,
	}
}
