package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

func descWithDeps(name string, deps ...string) *domain.AgentDescriptor {
	d := &domain.AgentDescriptor{
		Name:         name,
		Capabilities: map[string]struct{}{name + "-cap": {}},
		Dependencies: make(map[string]struct{}, len(deps)),
	}
	for _, dep := range deps {
		d.Dependencies[dep] = struct{}{}
	}
	return d
}

func selection(descs ...*domain.AgentDescriptor) map[string]*domain.AgentDescriptor {
	m := make(map[string]*domain.AgentDescriptor, len(descs))
	for _, d := range descs {
		m[d.Name] = d
	}
	return m
}

func TestTopoLevelsDeterministicOrder(t *testing.T) {
	// collector <- {analyzer, enricher} <- reporter
	g := buildGraph(selection(
		descWithDeps("reporter", "analyzer", "enricher"),
		descWithDeps("enricher", "collector"),
		descWithDeps("analyzer", "collector"),
		descWithDeps("collector"),
	))

	levels, err := g.topoLevels()
	if err != nil {
		t.Fatalf("topoLevels: %v", err)
	}
	want := [][]string{
		{"collector"},
		{"analyzer", "enricher"}, // Независимы — один уровень, сортировка по имени
		{"reporter"},
	}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
}

func TestTopoLevelsIndependentAgents(t *testing.T) {
	g := buildGraph(selection(
		descWithDeps("c"), descWithDeps("a"), descWithDeps("b"),
	))
	levels, err := g.topoLevels()
	if err != nil {
		t.Fatalf("topoLevels: %v", err)
	}
	if len(levels) != 1 || !reflect.DeepEqual(levels[0], []string{"a", "b", "c"}) {
		t.Fatalf("independent agents must form a single sorted level, got %v", levels)
	}
}

func TestTopoLevelsIgnoresOutsideDependencies(t *testing.T) {
	// Зависимость на агента вне выборки не участвует в порядке
	g := buildGraph(selection(
		descWithDeps("worker", "not-selected"),
	))
	levels, err := g.topoLevels()
	if err != nil {
		t.Fatalf("topoLevels: %v", err)
	}
	if len(levels) != 1 || levels[0][0] != "worker" {
		t.Fatalf("levels = %v", levels)
	}
}

func TestTopoLevelsCycle(t *testing.T) {
	g := buildGraph(selection(
		descWithDeps("a", "b"),
		descWithDeps("b", "a"),
		descWithDeps("standalone"),
	))

	_, err := g.topoLevels()
	var cycleErr *domain.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("want DependencyCycleError, got %v", err)
	}
	if !reflect.DeepEqual(cycleErr.Agents, []string{"a", "b"}) {
		t.Fatalf("cycle members = %v, want [a b]", cycleErr.Agents)
	}
}

func TestDependenciesOf(t *testing.T) {
	g := buildGraph(selection(
		descWithDeps("b", "a"),
		descWithDeps("a"),
	))
	if deps := g.dependenciesOf("b"); len(deps) != 1 || deps[0] != "a" {
		t.Fatalf("dependenciesOf(b) = %v", deps)
	}
	if deps := g.dependenciesOf("a"); len(deps) != 0 {
		t.Fatalf("dependenciesOf(a) = %v", deps)
	}
}
