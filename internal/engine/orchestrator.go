package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
	"go.uber.org/zap"
)

// Orchestrator — ядро: принимает задачу, подбирает агентов по возможностям,
// строит порядок из зависимостей и исполняет шаги через предохранители.
// Контроллер доступа стоит ПЕРЕД исполнением: ни один агент не вызывается
// до положительного вердикта авторизации.
type Orchestrator struct {
	reg     *registry.Registry
	acl     *access.Controller
	runtime *RuntimeSet
	trail   audit.Auditor
	metrics *Metrics
	cfg     infra.EngineConfig
	logger  *zap.Logger
}

func NewOrchestrator(
	reg *registry.Registry,
	acl *access.Controller,
	runtime *RuntimeSet,
	trail audit.Auditor,
	metrics *Metrics,
	cfg infra.EngineConfig,
	logger *zap.Logger,
) *Orchestrator {
	o := &Orchestrator{
		reg:     reg,
		acl:     acl,
		runtime: runtime,
		trail:   trail,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
	}
	// Hot reload и регистрация сбрасывают рантайм агента:
	// новая версия стартует с чистым предохранителем
	reg.OnReload(runtime.Reset)
	return o
}

// assignment — агент, выбранный под конкретные возможности задачи,
// плюс очередь запасных кандидатов на случай его отказа.
type assignment struct {
	desc         *domain.AgentDescriptor
	capabilities []string
	fallbacks    []*domain.AgentDescriptor
	known        map[string]struct{} // Имена в очереди: кандидат входит один раз
}

// ExecuteTask — основной путь задачи. Ошибки планирования (нет агента,
// цикл, отказ авторизации) возвращаются до какого-либо исполнения;
// ошибки исполнения отражаются в статусах шагов TaskResult.
func (o *Orchestrator) ExecuteTask(ctx context.Context, token string, req *domain.TaskRequest) (*domain.TaskResult, error) {
	taskID := uuid.New().String()
	start := time.Now()

	log := o.logger.With(zap.String("task_id", taskID), zap.String("task_type", req.TaskType))

	if len(req.RequiredCapabilities) == 0 {
		return nil, fmt.Errorf("task %s: no capabilities requested", taskID)
	}

	// 1. Подбор: на каждую возможность — свой агент (лучший из покрывающих).
	// Один агент может закрыть несколько возможностей.
	plan, err := o.selectAgents(req.RequiredCapabilities)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("no_agent").Inc()
		return nil, err
	}

	// 2. Авторизация каждого участника ДО исполнения
	actor := ""
	for name := range plan {
		actor, err = o.acl.Authorize(ctx, token, name, domain.PermExecute)
		if err != nil {
			o.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
			log.Warn("task rejected by access controller",
				zap.String("agent", name), zap.Error(err))
			return nil, err
		}
	}

	// 3. Порядок исполнения из графа зависимостей
	selected := make(map[string]*domain.AgentDescriptor, len(plan))
	for name, a := range plan {
		selected[name] = a.desc
	}
	graph := buildGraph(selected)
	levels, err := graph.topoLevels()
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("cycle").Inc()
		return nil, err
	}

	result := &domain.TaskResult{
		TaskID:    taskID,
		TaskType:  req.TaskType,
		StartedAt: start,
	}
	for _, level := range levels {
		result.ExecutionOrder = append(result.ExecutionOrder, level...)
	}

	log.Info("task planned",
		zap.Strings("order", result.ExecutionOrder),
		zap.String("actor", actor))

	// 4. Исполнение по уровням: внутри уровня агенты независимы,
	// параллелизм ограничен семафором
	exec := &taskExecution{
		orch:    o,
		taskID:  taskID,
		token:   token,
		actor:   actor,
		params:  req.Parameters,
		plan:    plan,
		graph:   graph,
		steps:   make(map[string]*domain.StepResult),
		outputs: make(map[string]interface{}),
	}
	exec.run(ctx, levels)

	// 5. Агрегация: деталь шагов сохраняется всегда
	index := 0
	succeeded, failed := 0, 0
	cancelErr := ""
	for _, name := range result.ExecutionOrder {
		step := exec.steps[name]
		step.Index = index
		index++
		result.Steps = append(result.Steps, *step)
		switch step.Status {
		case domain.StepSucceeded:
			succeeded++
		case domain.StepFailed:
			failed++
		case domain.StepCancelled:
			// Шаг уже зафиксировал настоящую причину: canceled или deadline
			cancelErr = step.Error
		}
	}

	switch {
	case cancelErr != "":
		result.Status = domain.TaskCancelled
		result.Error = cancelErr
	case failed == 0 && succeeded == len(result.Steps):
		result.Status = domain.TaskCompleted
	case succeeded > 0:
		result.Status = domain.TaskPartial
	default:
		result.Status = domain.TaskFailed
	}
	result.CompletedAt = time.Now()

	o.metrics.TaskDuration.WithLabelValues(req.TaskType, string(result.Status)).
		Observe(result.CompletedAt.Sub(start).Seconds())
	log.Info("task finished",
		zap.String("status", string(result.Status)),
		zap.Int("steps", len(result.Steps)),
		zap.Duration("elapsed", result.CompletedAt.Sub(start)))
	return result, nil
}

// selectAgents строит план: для каждой возможности — лучший покрывающий
// агент (приоритет, затем имя) и очередь запасных в том же порядке.
func (o *Orchestrator) selectAgents(capabilities []string) (map[string]*assignment, error) {
	plan := make(map[string]*assignment)
	for _, cap := range capabilities {
		candidates := o.reg.Find(map[string]struct{}{cap: {}})
		if len(candidates) == 0 {
			return nil, fmt.Errorf("capability %q: %w", cap, domain.ErrNoEligibleAgent)
		}
		primary := candidates[0]
		a, ok := plan[primary.Name]
		if !ok {
			a = &assignment{
				desc:  primary,
				known: map[string]struct{}{primary.Name: {}},
			}
			plan[primary.Name] = a
		}
		a.capabilities = append(a.capabilities, cap)
		// Запасные: остальные кандидаты в порядке предпочтения. Кандидат,
		// покрывающий несколько возможностей, встает в очередь один раз:
		// повторный вызов отказавшего запасного был бы скрытым retry
		for _, c := range candidates[1:] {
			if _, dup := a.known[c.Name]; dup {
				continue
			}
			a.known[c.Name] = struct{}{}
			a.fallbacks = append(a.fallbacks, c)
		}
	}
	return plan, nil
}

// taskExecution — изменяемое состояние одного прохода исполнения.
type taskExecution struct {
	orch   *Orchestrator
	taskID string
	token  string
	actor  string
	params map[string]interface{}
	plan   map[string]*assignment
	graph  *planGraph

	mu      sync.Mutex
	steps   map[string]*domain.StepResult
	outputs map[string]interface{} // Выходы шагов, видимые зависимым шагам
}

func (e *taskExecution) run(ctx context.Context, levels [][]string) {
	sem := make(chan struct{}, e.orch.cfg.MaxParallelism)

	for _, level := range levels {
		var wg sync.WaitGroup
		for _, name := range level {
			// Отмена задачи: оставшиеся шаги помечаются, агенты не вызываются
			if ctx.Err() != nil {
				e.record(name, &domain.StepResult{Agent: name, Status: domain.StepCancelled, Error: ctx.Err().Error()})
				continue
			}
			// Отказавшая зависимость: шаг пропускается без вызова
			if dep, ok := e.failedDependency(name); ok {
				e.record(name, &domain.StepResult{
					Agent:  name,
					Status: domain.StepSkipped,
					Error:  fmt.Sprintf("dependency %s did not succeed", dep),
				})
				e.audit(name, audit.OutcomeError, map[string]interface{}{"status": string(domain.StepSkipped), "dependency": dep})
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(name string) {
				defer wg.Done()
				defer func() { <-sem }()
				e.record(name, e.runStep(ctx, name))
			}(name)
		}
		wg.Wait()
	}
}

func (e *taskExecution) record(name string, step *domain.StepResult) {
	e.mu.Lock()
	e.steps[name] = step
	if step.Status == domain.StepSucceeded && step.Output != nil {
		e.outputs[name] = step.Output
	}
	e.mu.Unlock()
}

func (e *taskExecution) failedDependency(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range e.graph.dependenciesOf(name) {
		if s, ok := e.steps[dep]; ok && s.Status != domain.StepSucceeded {
			return dep, true
		}
	}
	return "", false
}

// runStep исполняет шаг основным агентом, при отказе — перебирает
// запасных кандидатов в порядке предпочтения. Повторов к одному и тому же
// агенту нет: единственный повторный вызов — проба HALF_OPEN предохранителя.
func (e *taskExecution) runStep(ctx context.Context, name string) *domain.StepResult {
	a := e.plan[name]
	start := time.Now()

	out, err := e.invoke(ctx, name)
	if err == nil {
		step := &domain.StepResult{
			Agent:      name,
			Status:     domain.StepSucceeded,
			Output:     out,
			DurationMs: time.Since(start).Milliseconds(),
		}
		e.observeStep(name, step)
		return step
	}

	e.orch.logger.Warn("step failed, trying fallbacks",
		zap.String("task_id", e.taskID),
		zap.String("agent", name),
		zap.Int("fallbacks", len(a.fallbacks)),
		zap.Error(err))
	e.orch.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()

	// Fallback: кандидат должен покрывать ВСЕ возможности, ради которых
	// выбирался основной агент
	required := domain.ListToSet(a.capabilities)
	for _, fb := range a.fallbacks {
		if ctx.Err() != nil {
			break
		}
		if !fb.HasCapabilities(required) {
			continue
		}
		// Запасной проходит ту же авторизацию, что и основной
		if _, aerr := e.orch.acl.Authorize(ctx, e.token, fb.Name, domain.PermExecute); aerr != nil {
			continue
		}
		fbOut, fbErr := e.invoke(ctx, fb.Name)
		if fbErr == nil {
			step := &domain.StepResult{
				Agent:      fb.Name,
				Status:     domain.StepSucceeded,
				Output:     fbOut,
				Fallback:   true,
				DurationMs: time.Since(start).Milliseconds(),
			}
			e.observeStep(name, step)
			return step
		}
		err = fbErr
		e.orch.metrics.ErrorTotal.WithLabelValues(errorType(fbErr)).Inc()
	}

	step := &domain.StepResult{
		Agent:      name,
		Status:     domain.StepFailed,
		Error:      err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	e.observeStep(name, step)
	return step
}

// invoke — один вызов одного агента через его предохранитель.
func (e *taskExecution) invoke(ctx context.Context, name string) (map[string]interface{}, error) {
	_, invoker, ok := e.orch.reg.Snapshot(name)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", name, domain.ErrNotFound)
	}

	e.mu.Lock()
	callCtx := make(map[string]interface{}, len(e.outputs)+1)
	for k, v := range e.outputs {
		callCtx[k] = v
	}
	callCtx["task_id"] = e.taskID
	e.mu.Unlock()

	return e.orch.runtime.Execute(name, func() (map[string]interface{}, error) {
		callOnlyCtx, cancel := context.WithTimeout(ctx, e.orch.cfg.CallTimeout)
		defer cancel()
		return invoker.Invoke(callOnlyCtx, e.params, callCtx)
	})
}

func (e *taskExecution) observeStep(planned string, step *domain.StepResult) {
	e.orch.metrics.StepsTotal.WithLabelValues(step.Agent, string(step.Status)).Inc()
	e.orch.metrics.StepDuration.WithLabelValues(step.Agent, string(step.Status)).
		Observe(float64(step.DurationMs) / 1000)

	outcome := audit.OutcomeAllowed
	if step.Status != domain.StepSucceeded {
		outcome = audit.OutcomeError
	}
	fields := map[string]interface{}{
		"status":      string(step.Status),
		"duration_ms": step.DurationMs,
	}
	if step.Fallback {
		fields["planned_agent"] = planned
		fields["fallback"] = true
	}
	if step.Error != "" {
		fields["error"] = step.Error
	}
	e.audit(step.Agent, outcome, fields)
}

func (e *taskExecution) audit(agent string, outcome audit.Outcome, fields map[string]interface{}) {
	e.orch.trail.Log(audit.Record{
		TraceID: e.taskID,
		Actor:   e.actor,
		Agent:   agent,
		Action:  audit.ActionTaskStep,
		Outcome: outcome,
		Context: fields,
	})
}

// errorType классифицирует ошибку для метрик.
func errorType(err error) string {
	var cbErr *domain.CircuitOpenError
	var invErr *connectors.InvocationError
	switch {
	case errors.As(err, &cbErr):
		return "circuit_open"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrActorBlocked), errors.Is(err, domain.ErrInvalidKey):
		return "access_denied"
	case errors.Is(err, domain.ErrNoEligibleAgent):
		return "no_agent"
	case errors.As(err, &invErr):
		return "invoke"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "invoke"
	}
}

// Health объединяет вердикты liveness-проб и предохранителей.
// Состояние предохранителя перекрывает пробу: OPEN-агент не HEALTHY,
// даже если его процесс отвечает.
func (o *Orchestrator) Health(ctx context.Context) map[string]domain.AgentStatus {
	statuses := o.reg.HealthCheck(ctx)
	for name := range statuses {
		switch o.runtime.Status(name) {
		case domain.StatusOpen:
			statuses[name] = domain.StatusOpen
		case domain.StatusHalfOpen:
			statuses[name] = domain.StatusHalfOpen
		}
	}
	return statuses
}

// AgentMetrics — снимки рантайма всех агентов для observability.
func (o *Orchestrator) AgentMetrics() []domain.RuntimeSnapshot {
	return o.runtime.Snapshots()
}

// DependencyGraph возвращает полный граф зависимостей каталога.
func (o *Orchestrator) DependencyGraph() map[string][]string {
	out := make(map[string][]string)
	for _, desc := range o.reg.List() {
		out[desc.Name] = domain.SetToList(desc.Dependencies)
	}
	return out
}
