package engine

import (
	"sort"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// planGraph — граф зависимостей между агентами, выбранными под одну задачу.
// Ребро A -> B означает "B зависит от A". Зависимости на агентов вне
// выборки не участвуют в порядке: они принадлежат другим задачам.
type planGraph struct {
	nodes map[string]*domain.AgentDescriptor
	edges map[string][]string // от кого зависят: edges[B] = [A, ...]
}

func buildGraph(selected map[string]*domain.AgentDescriptor) *planGraph {
	g := &planGraph{
		nodes: selected,
		edges: make(map[string][]string, len(selected)),
	}
	for name, desc := range selected {
		for dep := range desc.Dependencies {
			if _, ok := selected[dep]; ok {
				g.edges[name] = append(g.edges[name], dep)
			}
		}
	}
	return g
}

// topoLevels выполняет сортировку Кана, группируя узлы в уровни:
// внутри уровня агенты независимы и могут исполняться параллельно.
// Порядок детерминирован — узлы уровня отсортированы по имени.
// Цикл — ошибка планирования: задача не стартует вовсе.
func (g *planGraph) topoLevels() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes)) // обратные ребра
	for name := range g.nodes {
		indegree[name] = 0
	}
	for node, deps := range g.edges {
		indegree[node] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	ready := make([]string, 0, len(g.nodes))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var levels [][]string
	visited := 0
	for len(ready) > 0 {
		level := ready
		levels = append(levels, level)
		visited += len(level)

		next := make([]string, 0)
		for _, name := range level {
			for _, child := range dependents[name] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	if visited != len(g.nodes) {
		// Остаток — участники цикла (или зависящие от него)
		stuck := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &domain.DependencyCycleError{Agents: stuck}
	}
	return levels, nil
}

// dependenciesOf возвращает имена зависимостей узла внутри выборки.
func (g *planGraph) dependenciesOf(name string) []string {
	return g.edges[name]
}
