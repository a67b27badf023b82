package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Слой доступа. Все три — терминальные для запроса, агент не вызывается.
var (
	ErrPermissionDenied = errors.New("access: permission denied")
	ErrRateLimited      = errors.New("access: rate limit exceeded")
	ErrActorBlocked     = errors.New("access: actor is blocked")
	ErrInvalidKey       = errors.New("access: invalid or revoked credential")
)

// Реестр. Локальные, исправимые вызывающей стороной.
var (
	ErrDuplicateName  = errors.New("registry: agent name already registered")
	ErrNotFound       = errors.New("registry: agent not found")
	ErrSelfDependency = errors.New("registry: agent depends on itself")
)

// Планировщик. Конфигурационные ошибки — не ретраятся, отдаются как есть.
var ErrNoEligibleAgent = errors.New("orchestrator: no eligible agent for required capabilities")

// DependencyCycleError именует участников цикла. Тихий произвольный порядок
// запрещен: цикл — это всегда ошибка конфигурации.
type DependencyCycleError struct {
	Agents []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("orchestrator: dependency cycle involving agents [%s]", strings.Join(e.Agents, ", "))
}

// CircuitOpenError — транзиентная недоступность: предохранитель отклонил
// вызов без обращения к агенту. Повтор возможен после OpenUntil, но сам
// оркестратор внутри одного executeTask не ретраит.
type CircuitOpenError struct {
	Agent     string
	OpenUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("orchestrator: circuit open for agent %s until %s", e.Agent, e.OpenUntil.Format(time.RFC3339))
}

// StepError оборачивает непрозрачную ошибку исполнения именем агента
// и индексом шага — этого достаточно вызывающему для принятия решения.
type StepError struct {
	Agent string
	Step  int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("agent %s (step %d): %v", e.Agent, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
