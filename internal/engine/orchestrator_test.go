package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
	"go.uber.org/zap"
)

// stubInvoker — локальный агент для тестов: фиксирует вызовы и
// отдает заранее заданный ответ.
type stubInvoker struct {
	mu      sync.Mutex
	calls   int
	lastCtx map[string]interface{}
	fn      func(params, callCtx map[string]interface{}) (map[string]interface{}, error)
}

func (s *stubInvoker) Invoke(ctx context.Context, params, callCtx map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls++
	s.lastCtx = callCtx
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(params, callCtx)
	}
	return map[string]interface{}{"done": true}, nil
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type orchFixture struct {
	orch  *Orchestrator
	reg   *registry.Registry
	keys  *access.KeyStore
	token string
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	logger := zap.NewNop()

	keys := access.NewKeyStore(0)
	trail := audit.NewTrail(256, nil, logger)
	bl := access.NewBlocklist(nil, logger)
	acl := access.NewController(keys, bl, trail, infra.AccessConfig{
		RateLimit:      1000,
		RateWindow:     time.Minute,
		BlockThreshold: 100,
		BlockWindow:    time.Minute,
	}, logger)

	reg := registry.New(nil, time.Second, nil, logger)
	cfg := infra.EngineConfig{
		MaxParallelism:     4,
		CallTimeout:        time.Second,
		CBFailureThreshold: 5,
		CBCooldown:         time.Minute,
	}
	runtime := NewRuntimeSet(cfg, NewMetrics(nil), logger)
	orch := NewOrchestrator(reg, acl, runtime, trail, NewMetrics(nil), cfg, logger)

	cred, err := keys.Issue(context.Background(), "", domain.RoleOperator)
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return &orchFixture{orch: orch, reg: reg, keys: keys, token: cred.Token}
}

func (f *orchFixture) register(t *testing.T, desc *domain.AgentDescriptor, inv *stubInvoker) {
	t.Helper()
	if err := f.reg.Register(desc, inv); err != nil {
		t.Fatalf("register %s: %v", desc.Name, err)
	}
}

func agentDesc(name string, prio domain.Priority, caps []string, deps ...string) *domain.AgentDescriptor {
	d := &domain.AgentDescriptor{
		Name:         name,
		Priority:     prio,
		Capabilities: make(map[string]struct{}, len(caps)),
		Dependencies: make(map[string]struct{}, len(deps)),
	}
	for _, c := range caps {
		d.Capabilities[c] = struct{}{}
	}
	for _, dep := range deps {
		d.Dependencies[dep] = struct{}{}
	}
	return d
}

func TestExecuteTaskDependencyOrderAndContext(t *testing.T) {
	f := newOrchFixture(t)

	collector := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"records": 42}, nil
	}}
	analyzer := &stubInvoker{}
	reporter := &stubInvoker{}

	f.register(t, agentDesc("collector", domain.PriorityHigh, []string{"collect"}), collector)
	f.register(t, agentDesc("analyzer", domain.PriorityHigh, []string{"analyze"}, "collector"), analyzer)
	f.register(t, agentDesc("reporter", domain.PriorityMedium, []string{"report"}, "analyzer"), reporter)

	res, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "pipeline",
		RequiredCapabilities: []string{"collect", "analyze", "report"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want COMPLETED", res.Status)
	}
	if want := []string{"collector", "analyzer", "reporter"}; !reflect.DeepEqual(res.ExecutionOrder, want) {
		t.Fatalf("order = %v, want %v", res.ExecutionOrder, want)
	}
	for i, step := range res.Steps {
		if step.Index != i || step.Status != domain.StepSucceeded {
			t.Fatalf("step %d: %+v", i, step)
		}
	}

	// Зависимый шаг видит выходы предшественников и task_id
	analyzer.mu.Lock()
	callCtx := analyzer.lastCtx
	analyzer.mu.Unlock()
	out, ok := callCtx["collector"].(map[string]interface{})
	if !ok || out["records"] != 42 {
		t.Fatalf("analyzer call context missing collector output: %v", callCtx)
	}
	if callCtx["task_id"] != res.TaskID {
		t.Fatalf("call context task_id = %v, want %s", callCtx["task_id"], res.TaskID)
	}
}

func TestExecuteTaskFailedDependencySkips(t *testing.T) {
	f := newOrchFixture(t)

	scan := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("scanner crashed")
	}}
	fix := &stubInvoker{}
	inventory := &stubInvoker{}

	f.register(t, agentDesc("scan", domain.PriorityHigh, []string{"scan"}), scan)
	f.register(t, agentDesc("fix", domain.PriorityHigh, []string{"fix"}, "scan"), fix)
	f.register(t, agentDesc("inventory", domain.PriorityHigh, []string{"inventory"}), inventory)

	res, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "remediation",
		RequiredCapabilities: []string{"scan", "fix", "inventory"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskPartial {
		t.Fatalf("status = %s, want PARTIAL_FAILURE", res.Status)
	}

	byAgent := map[string]domain.StepResult{}
	for _, s := range res.Steps {
		byAgent[s.Agent] = s
	}
	if byAgent["scan"].Status != domain.StepFailed {
		t.Fatalf("scan step: %+v", byAgent["scan"])
	}
	if byAgent["fix"].Status != domain.StepSkipped {
		t.Fatalf("fix step: %+v", byAgent["fix"])
	}
	if byAgent["inventory"].Status != domain.StepSucceeded {
		t.Fatalf("inventory step: %+v", byAgent["inventory"])
	}
	// Пропущенный шаг не доходит до агента
	if fix.callCount() != 0 {
		t.Fatalf("fix agent was invoked %d times despite skipped step", fix.callCount())
	}
}

func TestExecuteTaskFallback(t *testing.T) {
	f := newOrchFixture(t)

	primary := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("primary down")
	}}
	backup := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"source": "backup"}, nil
	}}

	// alpha предпочтительнее: CRITICAL < HIGH
	f.register(t, agentDesc("alpha", domain.PriorityCritical, []string{"scan"}), primary)
	f.register(t, agentDesc("beta", domain.PriorityHigh, []string{"scan"}), backup)

	res, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want COMPLETED", res.Status)
	}
	step := res.Steps[0]
	if !step.Fallback || step.Agent != "beta" {
		t.Fatalf("step = %+v, want fallback executed by beta", step)
	}
	if step.Output["source"] != "backup" {
		t.Fatalf("output = %v", step.Output)
	}
	// Основной вызван ровно один раз: повторов нет
	if primary.callCount() != 1 || backup.callCount() != 1 {
		t.Fatalf("calls: primary=%d backup=%d", primary.callCount(), backup.callCount())
	}
}

func TestExecuteTaskFallbackInvokedOnce(t *testing.T) {
	f := newOrchFixture(t)

	primary := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("primary down")
	}}
	backup := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("backup down")
	}}

	// Оба покрывают обе возможности: запасной попадает в очередь по каждой
	// из них, но вызываться должен ровно один раз — повторный вызов
	// отказавшего кандидата был бы автоматическим retry
	f.register(t, agentDesc("combo", domain.PriorityCritical, []string{"scan", "analyze"}), primary)
	f.register(t, agentDesc("backup", domain.PriorityHigh, []string{"scan", "analyze"}), backup)

	res, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan", "analyze"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if primary.callCount() != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.callCount())
	}
	if backup.callCount() != 1 {
		t.Fatalf("failed fallback re-invoked: backup calls = %d, want 1", backup.callCount())
	}
}

func TestExecuteTaskAuthorizationPrecedesExecution(t *testing.T) {
	f := newOrchFixture(t)

	inv := &stubInvoker{}
	f.register(t, agentDesc("scanner", domain.PriorityHigh, []string{"scan"}), inv)

	res, err := f.orch.ExecuteTask(context.Background(), "forged-token", &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan"},
	})
	if !errors.Is(err, domain.ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey, got %v", err)
	}
	if res != nil {
		t.Fatalf("rejected task must not produce a result: %+v", res)
	}
	if inv.callCount() != 0 {
		t.Fatal("no agent may run before authorization succeeds")
	}
}

func TestExecuteTaskInsufficientRole(t *testing.T) {
	f := newOrchFixture(t)

	inv := &stubInvoker{}
	f.register(t, agentDesc("scanner", domain.PriorityHigh, []string{"scan"}), inv)

	// ANALYST: read-only, execute запрещен
	cred, _ := f.keys.Issue(context.Background(), "", domain.RoleAnalyst)

	_, err := f.orch.ExecuteTask(context.Background(), cred.Token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan"},
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied, got %v", err)
	}
	if inv.callCount() != 0 {
		t.Fatal("denied task must not reach the agent")
	}
}

func TestExecuteTaskNoEligibleAgent(t *testing.T) {
	f := newOrchFixture(t)

	_, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"nonexistent-capability"},
	})
	if !errors.Is(err, domain.ErrNoEligibleAgent) {
		t.Fatalf("want ErrNoEligibleAgent, got %v", err)
	}
}

func TestExecuteTaskDependencyCycle(t *testing.T) {
	f := newOrchFixture(t)

	a := &stubInvoker{}
	b := &stubInvoker{}
	f.register(t, agentDesc("a", domain.PriorityHigh, []string{"first"}, "b"), a)
	f.register(t, agentDesc("b", domain.PriorityHigh, []string{"second"}, "a"), b)

	_, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "cyclic",
		RequiredCapabilities: []string{"first", "second"},
	})
	var cycleErr *domain.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("want DependencyCycleError, got %v", err)
	}
	if a.callCount()+b.callCount() != 0 {
		t.Fatal("cycle is a planning error: nothing may execute")
	}
}

func TestExecuteTaskCancellation(t *testing.T) {
	f := newOrchFixture(t)

	inv := &stubInvoker{}
	f.register(t, agentDesc("scanner", domain.PriorityHigh, []string{"scan"}), inv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.ExecuteTask(ctx, f.token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Status)
	}
	if res.Error != context.Canceled.Error() {
		t.Fatalf("result error = %q, want %q", res.Error, context.Canceled.Error())
	}
	if inv.callCount() != 0 {
		t.Fatal("cancelled task must not invoke agents")
	}
}

func TestExecuteTaskDeadlineReportedAsSuch(t *testing.T) {
	f := newOrchFixture(t)

	inv := &stubInvoker{}
	f.register(t, agentDesc("scanner", domain.PriorityHigh, []string{"scan"}), inv)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res, err := f.orch.ExecuteTask(ctx, f.token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Status)
	}
	// Истекший дедлайн не должен маскироваться под отмену вызывающим
	if res.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("result error = %q, want %q", res.Error, context.DeadlineExceeded.Error())
	}
}

func TestExecuteTaskMultiCapabilityAgent(t *testing.T) {
	f := newOrchFixture(t)

	inv := &stubInvoker{}
	f.register(t, agentDesc("combo", domain.PriorityHigh, []string{"scan", "analyze"}), inv)

	res, err := f.orch.ExecuteTask(context.Background(), f.token, &domain.TaskRequest{
		TaskType:             "scan",
		RequiredCapabilities: []string{"scan", "analyze"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	// Агент, покрывающий обе возможности, исполняется одним шагом
	if len(res.Steps) != 1 || inv.callCount() != 1 {
		t.Fatalf("steps = %d, calls = %d, want 1/1", len(res.Steps), inv.callCount())
	}
}

func TestExecuteTaskCircuitOpenFailsFast(t *testing.T) {
	f := newOrchFixture(t)

	inv := &stubInvoker{fn: func(_, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("agent down")
	}}
	f.register(t, agentDesc("flaky", domain.PriorityHigh, []string{"scan"}), inv)

	req := &domain.TaskRequest{TaskType: "scan", RequiredCapabilities: []string{"scan"}}
	// CBFailureThreshold=5: доводим предохранитель до OPEN
	for i := 0; i < 5; i++ {
		f.orch.ExecuteTask(context.Background(), f.token, req)
	}
	before := inv.callCount()

	res, err := f.orch.ExecuteTask(context.Background(), f.token, req)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if inv.callCount() != before {
		t.Fatal("OPEN breaker must reject without reaching the agent")
	}
}
