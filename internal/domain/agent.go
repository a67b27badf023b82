package domain

import (
	"errors"
	"sort"
	"time"
)

// Priority определяет порядок предпочтения агентов при планировании.
// CRITICAL исполняется первым, LOW — последним.
type Priority int

const (
	PriorityCritical Priority = 1 // Безопасность, авторизация
	PriorityHigh     Priority = 2 // Ядро бизнес-логики
	PriorityMedium   Priority = 3 // Стандартные операции
	PriorityLow      Priority = 4 // Фоновые задачи
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority разбирает строку из манифеста. Неизвестное значение — MEDIUM,
// как и в конфигурационном загрузчике исходной системы.
func ParsePriority(s string) Priority {
	switch s {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "MEDIUM":
		return PriorityMedium
	case "LOW":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// AgentStatus — состояние рантайма агента глазами оркестратора.
// OPEN/HALF_OPEN приходят напрямую из Circuit Breaker, DEGRADED выставляет
// health-проба (advisory, предохранитель не трогает).
type AgentStatus string

const (
	StatusHealthy  AgentStatus = "HEALTHY"
	StatusDegraded AgentStatus = "DEGRADED"
	StatusOpen     AgentStatus = "OPEN"
	StatusHalfOpen AgentStatus = "HALF_OPEN"
)

// AgentDescriptor — паспорт зарегистрированного агента.
// Владеет им исключительно Registry; оркестратор держит только
// транзитные ссылки на время одного прохода планировщика.
type AgentDescriptor struct {
	Name         string              `json:"name"`
	Capabilities map[string]struct{} `json:"-"`
	Dependencies map[string]struct{} `json:"-"`
	Priority     Priority            `json:"priority"`
	Version      string              `json:"version"`

	// Endpoint — адрес внешнего коллаборатора (gRPC). Пустой адрес
	// означает, что инвокер задается явно при регистрации (тесты, mock).
	Endpoint string `json:"endpoint,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapabilities проверяет, что агент покрывает весь запрошенный набор.
func (d *AgentDescriptor) HasCapabilities(required map[string]struct{}) bool {
	for cap := range required {
		if _, ok := d.Capabilities[cap]; !ok {
			return false
		}
	}
	return true
}

// SetToList возвращает отсортированный срез для сериализации и логов.
func SetToList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListToSet — обратная конвертация для манифестов.
func ListToSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Manifest — формат записи для discovery-режима (JSON-файл на агента).
// Обязательные поля: name, capabilities. Битый манифест пропускается
// и логируется, скан продолжается.
type Manifest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Dependencies []string `json:"dependencies"`
	Priority     string   `json:"priority"`
	Version      string   `json:"version"`
	Endpoint     string   `json:"endpoint"`
}

// Descriptor собирает AgentDescriptor из манифеста и валидирует
// обязательные поля.
func (m *Manifest) Descriptor() (*AgentDescriptor, error) {
	if m.Name == "" {
		return nil, errors.New("manifest: name is required")
	}
	if len(m.Capabilities) == 0 {
		return nil, errors.New("manifest: at least one capability is required")
	}
	return &AgentDescriptor{
		Name:         m.Name,
		Capabilities: ListToSet(m.Capabilities),
		Dependencies: ListToSet(m.Dependencies),
		Priority:     ParsePriority(m.Priority),
		Version:      m.Version,
		Endpoint:     m.Endpoint,
	}, nil
}

// AgentMetrics — скользящие итоги по агенту для балансировки и health-отчета.
type AgentMetrics struct {
	Calls          int64         `json:"calls"`
	Errors         int64         `json:"errors"`
	TotalLatency   time.Duration `json:"total_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	SuccessRate    float64       `json:"success_rate"`
}

// RuntimeSnapshot — моментальный снимок состояния агента для observability.
type RuntimeSnapshot struct {
	Agent               string       `json:"agent"`
	Status              AgentStatus  `json:"status"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitzero"`
	OpenUntil           time.Time    `json:"open_until,omitzero"`
	Metrics             AgentMetrics `json:"metrics"`
}
