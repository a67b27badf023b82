package audit

import "time"

// Action — тип события аудита.
type Action string

const (
	ActionAuthorize  Action = "AUTHORIZE"   // Решение контроллера доступа
	ActionKeyIssued  Action = "KEY_ISSUED"  // Выдан новый ключ
	ActionKeyRevoked Action = "KEY_REVOKED" // Ключ отозван
	ActionKeyRotated Action = "KEY_ROTATED" // Ротация: старый инвалидирован, новый активен

	// ActionActorBlocked — отдельный тип события: автономная блокировка
	// актора после серии отказов (threat response).
	ActionActorBlocked   Action = "ACTOR_BLOCKED"
	ActionActorUnblocked Action = "ACTOR_UNBLOCKED"

	ActionTaskStep Action = "TASK_STEP" // Результат вызова агента внутри задачи
)

// Outcome — исход события.
type Outcome string

const (
	OutcomeAllowed Outcome = "ALLOWED"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeError   Outcome = "ERROR"
)

// Record — append-only запись аудита.
type Record struct {
	ID        string                 `json:"id"`       // UUID события
	TraceID   string                 `json:"trace_id"` // Сквозной ID запроса
	Actor     string                 `json:"actor"`    // Кто делал (key id / user id / system)
	Agent     string                 `json:"agent"`    // Над каким агентом
	Action    Action                 `json:"action"`
	Outcome   Outcome                `json:"outcome"`
	Context   map[string]interface{} `json:"context,omitempty"` // Свободная форма: причина, шаг, лимиты
	Timestamp time.Time              `json:"timestamp"`
}
