package engine

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// agentRuntime — предохранитель и скользящие итоги одного агента.
// Живет отдельно от дескриптора: hot reload подменяет дескриптор,
// а рантайм сбрасывается через Reset.
type agentRuntime struct {
	mu sync.Mutex
	cb *gobreaker.CircuitBreaker

	consecutiveFailures uint32
	lastFailureAt       time.Time
	openUntil           time.Time

	calls        int64
	errors       int64
	totalLatency time.Duration
}

// RuntimeSet владеет рантайм-состоянием всех агентов: по одному
// предохранителю на агента, отказ одного не трогает остальных.
type RuntimeSet struct {
	mu     sync.Mutex
	agents map[string]*agentRuntime

	cfg     infra.EngineConfig
	metrics *Metrics
	logger  *zap.Logger
}

func NewRuntimeSet(cfg infra.EngineConfig, metrics *Metrics, logger *zap.Logger) *RuntimeSet {
	return &RuntimeSet{
		agents:  make(map[string]*agentRuntime),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("breaker"),
	}
}

func (s *RuntimeSet) runtime(agent string) *agentRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.agents[agent]
	if !ok {
		rt = s.newRuntime(agent)
		s.agents[agent] = rt
	}
	return rt
}

// newRuntime настраивает предохранитель агента.
// MaxRequests=1: в HALF_OPEN пропускается ровно один пробный вызов,
// остальные получают отказ без обращения к агенту.
func (s *RuntimeSet) newRuntime(agent string) *agentRuntime {
	rt := &agentRuntime{}
	rt.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 1,
		Timeout:     s.cfg.CBCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.CBFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			rt.mu.Lock()
			if to == gobreaker.StateOpen {
				rt.openUntil = time.Now().Add(s.cfg.CBCooldown)
			} else {
				rt.openUntil = time.Time{}
			}
			rt.mu.Unlock()

			var gauge float64
			switch to {
			case gobreaker.StateOpen:
				gauge = 1
			case gobreaker.StateHalfOpen:
				gauge = 0.5
			}
			s.metrics.CircuitBreakerState.WithLabelValues(name).Set(gauge)

			s.logger.Info("circuit breaker state change",
				zap.String("agent", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return rt
}

// Execute прогоняет вызов через предохранитель агента и накапливает метрики.
// Отказ предохранителя (OPEN либо занятый HALF_OPEN-слот) оборачивается в
// CircuitOpenError и не попадает в счетчик ошибок агента: сам агент не вызывался.
func (s *RuntimeSet) Execute(agent string, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	rt := s.runtime(agent)

	start := time.Now()
	res, err := rt.cb.Execute(func() (interface{}, error) {
		return fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		rt.mu.Lock()
		until := rt.openUntil
		rt.mu.Unlock()
		return nil, &domain.CircuitOpenError{Agent: agent, OpenUntil: until}
	}

	elapsed := time.Since(start)
	rt.mu.Lock()
	rt.calls++
	rt.totalLatency += elapsed
	if err != nil {
		rt.errors++
		rt.consecutiveFailures++
		rt.lastFailureAt = time.Now()
	} else {
		rt.consecutiveFailures = 0
	}
	rt.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return res.(map[string]interface{}), nil
}

// Reset пересоздает рантайм агента: чистый предохранитель, нулевые итоги.
// Вызывается хуком реестра после регистрации и hot reload.
func (s *RuntimeSet) Reset(agent string) {
	s.mu.Lock()
	s.agents[agent] = s.newRuntime(agent)
	s.mu.Unlock()
	s.metrics.CircuitBreakerState.WithLabelValues(agent).Set(0)
}

// Remove выкидывает рантайм при дерегистрации.
func (s *RuntimeSet) Remove(agent string) {
	s.mu.Lock()
	delete(s.agents, agent)
	s.mu.Unlock()
}

// Status переводит состояние предохранителя в статус агента.
func (s *RuntimeSet) Status(agent string) domain.AgentStatus {
	s.mu.Lock()
	rt, ok := s.agents[agent]
	s.mu.Unlock()
	if !ok {
		return domain.StatusHealthy
	}
	switch rt.cb.State() {
	case gobreaker.StateOpen:
		return domain.StatusOpen
	case gobreaker.StateHalfOpen:
		return domain.StatusHalfOpen
	default:
		return domain.StatusHealthy
	}
}

// Snapshot — моментальный снимок рантайма одного агента.
func (s *RuntimeSet) Snapshot(agent string) domain.RuntimeSnapshot {
	s.mu.Lock()
	rt, ok := s.agents[agent]
	s.mu.Unlock()

	snap := domain.RuntimeSnapshot{Agent: agent, Status: domain.StatusHealthy}
	if !ok {
		return snap
	}

	snap.Status = s.Status(agent)

	rt.mu.Lock()
	snap.ConsecutiveFailures = rt.consecutiveFailures
	snap.LastFailureAt = rt.lastFailureAt
	snap.OpenUntil = rt.openUntil
	snap.Metrics = domain.AgentMetrics{
		Calls:        rt.calls,
		Errors:       rt.errors,
		TotalLatency: rt.totalLatency,
	}
	if rt.calls > 0 {
		snap.Metrics.AverageLatency = rt.totalLatency / time.Duration(rt.calls)
		snap.Metrics.SuccessRate = float64(rt.calls-rt.errors) / float64(rt.calls)
	}
	rt.mu.Unlock()
	return snap
}

// Snapshots возвращает снимки всех известных агентов, отсортированные по имени.
func (s *RuntimeSet) Snapshots() []domain.RuntimeSnapshot {
	s.mu.Lock()
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]domain.RuntimeSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, s.Snapshot(name))
	}
	return out
}
