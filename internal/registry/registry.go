package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// entry — пара дескриптор+инвокер. При hot reload создается новый entry
// и подменяется целиком под write-lock: конкурентные читатели либо видят
// старый снимок целиком, либо новый — полуобновленного состояния не бывает.
// In-flight вызовы, забравшие старый снимок на этапе планирования,
// завершаются по старому дескриптору.
type entry struct {
	desc    *domain.AgentDescriptor
	invoker connectors.Invoker
}

// DialFunc создает инвокер по endpoint из манифеста.
type DialFunc func(endpoint string) (connectors.Invoker, error)

// Registry — каталог известных агентов. Лукапы сильно преобладают над
// register/deregister/reload, поэтому карта под RWMutex.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	dial         DialFunc
	probeTimeout time.Duration
	logger       *zap.Logger
	rdb          *redis.Client     // nil — сигналы reload не транслируются
	publish      func(name string) // Подменяется в тестах

	hookMu   sync.Mutex
	onReload []func(name string) // Оркестратор сбрасывает breaker и метрики
}

func New(dial DialFunc, probeTimeout time.Duration, rdb *redis.Client, logger *zap.Logger) *Registry {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	r := &Registry{
		agents:       make(map[string]*entry),
		dial:         dial,
		probeTimeout: probeTimeout,
		logger:       logger.Named("registry"),
		rdb:          rdb,
	}
	r.publish = r.publishReload
	return r
}

// OnReload регистрирует hook, вызываемый после атомарной подмены дескриптора
// (и после Register, чтобы у нового агента гарантированно было чистое
// рантайм-состояние).
func (r *Registry) OnReload(hook func(name string)) {
	r.hookMu.Lock()
	r.onReload = append(r.onReload, hook)
	r.hookMu.Unlock()
}

func (r *Registry) fireReload(name string) {
	r.hookMu.Lock()
	hooks := make([]func(string), len(r.onReload))
	copy(hooks, r.onReload)
	r.hookMu.Unlock()
	for _, h := range hooks {
		h(name)
	}
}

// Register добавляет агента. Имя уникально; зависимость на самого себя
// отклоняется сразу, остальные зависимости резолвятся лениво на этапе
// планирования (dep может быть зарегистрирован позже).
func (r *Registry) Register(desc *domain.AgentDescriptor, invoker connectors.Invoker) error {
	if desc == nil || desc.Name == "" {
		return fmt.Errorf("registry: descriptor must have a name")
	}
	if _, ok := desc.Dependencies[desc.Name]; ok {
		return domain.ErrSelfDependency
	}

	if invoker == nil {
		if desc.Endpoint == "" || r.dial == nil {
			return fmt.Errorf("registry: agent %s has no invoker and no endpoint", desc.Name)
		}
		var err error
		invoker, err = r.dial(desc.Endpoint)
		if err != nil {
			return fmt.Errorf("registry: failed to dial agent %s: %w", desc.Name, err)
		}
	}

	if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	if _, exists := r.agents[desc.Name]; exists {
		r.mu.Unlock()
		return domain.ErrDuplicateName
	}
	r.agents[desc.Name] = &entry{desc: desc, invoker: invoker}
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent", desc.Name),
		zap.Strings("capabilities", domain.SetToList(desc.Capabilities)),
		zap.String("priority", desc.Priority.String()),
		zap.String("version", desc.Version))

	r.fireReload(desc.Name)
	return nil
}

// Deregister удаляет агента из каталога.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(r.agents, name)
	r.mu.Unlock()

	// Закрываем соединение, если инвокер им владеет
	if closer, ok := e.invoker.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	r.logger.Info("agent deregistered", zap.String("agent", name))
	return nil
}

// Reload — атомарная подмена дескриптора по локальному событию (скан,
// fsnotify, консоль). Новые вызовы видят новый дескриптор и сброшенное
// состояние предохранителя; in-flight вызовы по старому снимку завершаются
// как ни в чем не бывало. Изменение транслируется соседним инстансам.
func (r *Registry) Reload(name string, newDesc *domain.AgentDescriptor, invoker connectors.Invoker) error {
	return r.reload(name, newDesc, invoker, true)
}

// applySignal — подмена дескриптора по ЧУЖОМУ сигналу. Принципиально не
// публикует: повторная трансляция принятого сигнала зациклила бы эхо
// между инстансами (каждый применивший публиковал бы заново).
func (r *Registry) applySignal(name string, newDesc *domain.AgentDescriptor, invoker connectors.Invoker) error {
	return r.reload(name, newDesc, invoker, false)
}

func (r *Registry) reload(name string, newDesc *domain.AgentDescriptor, invoker connectors.Invoker, broadcast bool) error {
	if newDesc == nil {
		return fmt.Errorf("registry: nil descriptor")
	}
	if _, ok := newDesc.Dependencies[newDesc.Name]; ok {
		return domain.ErrSelfDependency
	}
	newDesc.Name = name
	if newDesc.RegisteredAt.IsZero() {
		newDesc.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	old, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	if invoker == nil {
		if newDesc.Endpoint != "" && newDesc.Endpoint != old.desc.Endpoint && r.dial != nil {
			dialed, err := r.dial(newDesc.Endpoint)
			if err != nil {
				r.mu.Unlock()
				return fmt.Errorf("registry: failed to dial agent %s: %w", name, err)
			}
			invoker = dialed
		} else {
			invoker = old.invoker // Endpoint не менялся — соединение переживает reload
		}
	}
	r.agents[name] = &entry{desc: newDesc, invoker: invoker}
	r.mu.Unlock()

	r.logger.Info("agent reloaded",
		zap.String("agent", name),
		zap.String("version", newDesc.Version))

	r.fireReload(name)
	if broadcast {
		r.publish(name)
	}
	return nil
}

// Find возвращает всех агентов, чей набор возможностей покрывает
// запрошенный. Порядок детерминирован: приоритет по убыванию важности,
// затем имя по возрастанию.
func (r *Registry) Find(capabilities map[string]struct{}) []*domain.AgentDescriptor {
	r.mu.RLock()
	out := make([]*domain.AgentDescriptor, 0, len(r.agents))
	for _, e := range r.agents {
		if e.desc.HasCapabilities(capabilities) {
			out = append(out, e.desc)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority // CRITICAL=1 раньше LOW=4
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Snapshot отдает оркестратору транзитную пару (дескриптор, инвокер).
func (r *Registry) Snapshot(name string) (*domain.AgentDescriptor, connectors.Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, nil, false
	}
	return e.desc, e.invoker, true
}

// List — снимок каталога для консоли и observability.
func (r *Registry) List() []*domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AgentDescriptor, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthCheck опрашивает liveness-пробы всех агентов с ограниченным
// таймаутом. Результат advisory: DEGRADED не трогает предохранитель.
func (r *Registry) HealthCheck(ctx context.Context) map[string]domain.AgentStatus {
	r.mu.RLock()
	probes := make(map[string]connectors.Invoker, len(r.agents))
	for name, e := range r.agents {
		probes[name] = e.invoker
	}
	r.mu.RUnlock()

	result := make(map[string]domain.AgentStatus, len(probes))
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for name, inv := range probes {
		prober, ok := inv.(connectors.Prober)
		if !ok {
			// Агент без пробы считается живым, пока не доказано обратное
			resMu.Lock()
			result[name] = domain.StatusHealthy
			resMu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, p connectors.Prober) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()

			status := domain.StatusHealthy
			if err := p.Probe(probeCtx); err != nil {
				status = domain.StatusDegraded
				r.logger.Warn("liveness probe failed", zap.String("agent", name), zap.Error(err))
			}
			resMu.Lock()
			result[name] = status
			resMu.Unlock()
		}(name, prober)
	}
	wg.Wait()
	return result
}

// publishReload транслирует сигнал соседним инстансам (best effort).
func (r *Registry) publishReload(name string) {
	if r.rdb == nil {
		return
	}
	payload := fmt.Sprintf("%s:true", name)
	if err := r.rdb.Publish(context.Background(), infra.RedisChanRegistryReload, payload).Err(); err != nil {
		r.logger.Warn("reload signal delivery failed", zap.String("agent", name), zap.Error(err))
	}
}
