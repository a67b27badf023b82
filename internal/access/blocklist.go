package access

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// Blocklist — потокобезопасный кэш заблокированных акторов.
// Hot Path (IsBlocked) работает только с памятью; Redis — синхронизация
// между инстансами: SAdd/SRem для состояния, Pub/Sub для сигналов.
// rdb == nil — допустимый single-instance режим (тесты, локальный запуск).
type Blocklist struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewBlocklist(rdb *redis.Client, logger *zap.Logger) *Blocklist {
	return &Blocklist{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "blocklist")),
	}
}

// Init загружает текущее состояние блокировок при старте сервиса.
func (b *Blocklist) Init(ctx context.Context) error {
	if b.rdb == nil {
		return nil
	}
	actors, err := b.rdb.SMembers(ctx, infra.RedisKeyBlockedActors).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch blocked actors: %w", err)
	}

	return infra.WarmupState(ctx, b.rdb, b.logger, actors,
		infra.RedisKeyBlockedActors, infra.RedisKeyLockBlockedWarm,
		func(items []string) {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, id := range items {
				b.blocked[id] = struct{}{}
			}
		},
	)
}

// StartListener подписывается на сигналы блокировки в реальном времени.
func (b *Blocklist) StartListener(ctx context.Context) {
	if b.rdb == nil {
		return
	}
	infra.ListenStateResilient(ctx, b.rdb, b.logger, infra.RedisChanActorBlock,
		func() error { return b.Init(ctx) }, // Переподключение
		func(id string, status bool) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if status {
				b.blocked[id] = struct{}{}
			} else {
				delete(b.blocked, id)
			}
		},
	)
}

// Block ставит флаг локально и транслирует его соседним инстансам.
func (b *Blocklist) Block(ctx context.Context, actor string) {
	b.mu.Lock()
	b.blocked[actor] = struct{}{}
	b.mu.Unlock()

	if b.rdb == nil {
		return
	}
	if err := b.rdb.SAdd(ctx, infra.RedisKeyBlockedActors, actor).Err(); err != nil {
		b.logger.Warn("failed to persist block to Redis", zap.String("actor", actor), zap.Error(err))
	}
	payload := fmt.Sprintf("%s:true", actor)
	if err := b.rdb.Publish(ctx, infra.RedisChanActorBlock, payload).Err(); err != nil {
		b.logger.Warn("block signal delivery failed", zap.String("actor", actor), zap.Error(err))
	}
}

// Unblock снимает флаг. Вызывается только ADMIN-действием из консоли.
func (b *Blocklist) Unblock(ctx context.Context, actor string) {
	b.mu.Lock()
	delete(b.blocked, actor)
	b.mu.Unlock()

	if b.rdb == nil {
		return
	}
	if err := b.rdb.SRem(ctx, infra.RedisKeyBlockedActors, actor).Err(); err != nil {
		b.logger.Warn("failed to remove block from Redis", zap.String("actor", actor), zap.Error(err))
	}
	payload := fmt.Sprintf("%s:false", actor)
	if err := b.rdb.Publish(ctx, infra.RedisChanActorBlock, payload).Err(); err != nil {
		b.logger.Warn("unblock signal delivery failed", zap.String("actor", actor), zap.Error(err))
	}
}

// IsBlocked — максимально быстрая проверка для Hot Path.
func (b *Blocklist) IsBlocked(actor string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[actor]
	return ok
}

// List — снимок для консоли.
func (b *Blocklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.blocked))
	for id := range b.blocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
