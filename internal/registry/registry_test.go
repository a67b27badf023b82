package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type noopInvoker struct{}

func (noopInvoker) Invoke(ctx context.Context, params, callCtx map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

// probeInvoker дополнительно реализует Prober.
type probeInvoker struct {
	noopInvoker
	probeErr error
	closed   bool
}

func (p *probeInvoker) Probe(ctx context.Context) error { return p.probeErr }
func (p *probeInvoker) Close() error                    { p.closed = true; return nil }

func testDesc(name string, prio domain.Priority, caps ...string) *domain.AgentDescriptor {
	d := &domain.AgentDescriptor{
		Name:         name,
		Priority:     prio,
		Capabilities: make(map[string]struct{}, len(caps)),
		Dependencies: map[string]struct{}{},
	}
	for _, c := range caps {
		d.Capabilities[c] = struct{}{}
	}
	return d
}

func TestRegisterDuplicateName(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())

	if err := r.Register(testDesc("scanner", domain.PriorityHigh, "scan"), noopInvoker{}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(testDesc("scanner", domain.PriorityLow, "other"), noopInvoker{})
	if !errors.Is(err, domain.ErrDuplicateName) {
		t.Fatalf("want ErrDuplicateName, got %v", err)
	}
}

func TestRegisterSelfDependency(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())

	d := testDesc("loner", domain.PriorityHigh, "scan")
	d.Dependencies["loner"] = struct{}{}
	if err := r.Register(d, noopInvoker{}); !errors.Is(err, domain.ErrSelfDependency) {
		t.Fatalf("want ErrSelfDependency, got %v", err)
	}
}

func TestRegisterWithoutInvokerOrEndpoint(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())
	if err := r.Register(testDesc("ghost", domain.PriorityHigh, "scan"), nil); err == nil {
		t.Fatal("agent without invoker and endpoint must be rejected")
	}
}

func TestFindOrderingAndCoverage(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())

	r.Register(testDesc("zeta", domain.PriorityCritical, "scan"), noopInvoker{})
	r.Register(testDesc("alpha", domain.PriorityHigh, "scan", "fix"), noopInvoker{})
	r.Register(testDesc("beta", domain.PriorityHigh, "scan"), noopInvoker{})
	r.Register(testDesc("other", domain.PriorityCritical, "report"), noopInvoker{})

	got := r.Find(map[string]struct{}{"scan": {}})
	names := make([]string, 0, len(got))
	for _, d := range got {
		names = append(names, d.Name)
	}
	// Приоритет важнее имени; внутри приоритета — имя по возрастанию
	want := []string{"zeta", "alpha", "beta"}
	if len(names) != 3 || names[0] != want[0] || names[1] != want[1] || names[2] != want[2] {
		t.Fatalf("Find order = %v, want %v", names, want)
	}

	// Суперсет: агент должен покрывать ВСЕ запрошенные возможности
	got = r.Find(map[string]struct{}{"scan": {}, "fix": {}})
	if len(got) != 1 || got[0].Name != "alpha" {
		t.Fatalf("superset Find = %v", got)
	}
}

func TestReloadAtomicSwapAndHook(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())

	var reloaded []string
	r.OnReload(func(name string) { reloaded = append(reloaded, name) })

	r.Register(testDesc("scanner", domain.PriorityHigh, "scan"), noopInvoker{})

	next := testDesc("scanner", domain.PriorityCritical, "scan", "deep-scan")
	next.Version = "2.0.0"
	if err := r.Reload("scanner", next, nil); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	desc, _, ok := r.Snapshot("scanner")
	if !ok || desc.Version != "2.0.0" || desc.Priority != domain.PriorityCritical {
		t.Fatalf("snapshot after reload = %+v", desc)
	}
	if _, ok := desc.Capabilities["deep-scan"]; !ok {
		t.Fatal("reloaded descriptor must carry the new capability set")
	}

	// Хук срабатывает и на Register, и на Reload
	if len(reloaded) != 2 || reloaded[0] != "scanner" || reloaded[1] != "scanner" {
		t.Fatalf("reload hooks = %v", reloaded)
	}
}

func TestReloadUnknownAgent(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())
	err := r.Reload("missing", testDesc("missing", domain.PriorityHigh, "scan"), noopInvoker{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeregisterClosesInvoker(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())

	inv := &probeInvoker{}
	r.Register(testDesc("scanner", domain.PriorityHigh, "scan"), inv)

	if err := r.Deregister("scanner"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if !inv.closed {
		t.Fatal("owned connection must be closed on deregistration")
	}
	if _, _, ok := r.Snapshot("scanner"); ok {
		t.Fatal("deregistered agent must vanish from the catalog")
	}
	if err := r.Deregister("scanner"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("repeated Deregister: want ErrNotFound, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())
	r.Register(testDesc("c", domain.PriorityHigh, "x"), noopInvoker{})
	r.Register(testDesc("a", domain.PriorityHigh, "x"), noopInvoker{})
	r.Register(testDesc("b", domain.PriorityHigh, "x"), noopInvoker{})

	list := r.List()
	if len(list) != 3 || list[0].Name != "a" || list[1].Name != "b" || list[2].Name != "c" {
		t.Fatalf("List = %v", list)
	}
}

func TestHealthCheck(t *testing.T) {
	r := New(nil, time.Second, nil, zap.NewNop())

	r.Register(testDesc("healthy", domain.PriorityHigh, "x"), &probeInvoker{})
	r.Register(testDesc("sick", domain.PriorityHigh, "y"), &probeInvoker{probeErr: errors.New("no heartbeat")})
	r.Register(testDesc("mute", domain.PriorityHigh, "z"), noopInvoker{}) // Без пробы

	statuses := r.HealthCheck(context.Background())
	if statuses["healthy"] != domain.StatusHealthy {
		t.Fatalf("healthy = %s", statuses["healthy"])
	}
	if statuses["sick"] != domain.StatusDegraded {
		t.Fatalf("sick = %s", statuses["sick"])
	}
	// Агент без пробы считается живым
	if statuses["mute"] != domain.StatusHealthy {
		t.Fatalf("mute = %s", statuses["mute"])
	}
}
