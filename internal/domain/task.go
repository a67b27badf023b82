package domain

import "time"

// TaskStatus — агрегатный статус задачи.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "COMPLETED"
	TaskPartial   TaskStatus = "PARTIAL_FAILURE"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// StepStatus — статус одного шага (одного агента) внутри задачи.
type StepStatus string

const (
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	// StepSkipped выставляется, когда зависимость шага завершилась неудачей:
	// агент не вызывается вообще.
	StepSkipped StepStatus = "SKIPPED"
	// StepCancelled — задача отменена до того, как шаг был отправлен на исполнение.
	StepCancelled StepStatus = "CANCELLED"
)

// TaskRequest — входной контракт executeTask.
type TaskRequest struct {
	TaskType             string                 `json:"task_type"`
	Parameters           map[string]interface{} `json:"parameters"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Priority             Priority               `json:"priority"`
}

// StepResult — детальный результат по одному агенту.
// Деталь уровня шага никогда не отбрасывается (агрегат — не замена).
type StepResult struct {
	Agent      string                 `json:"agent"`
	Index      int                    `json:"index"` // Позиция в топологическом порядке
	Status     StepStatus             `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Fallback   bool                   `json:"fallback,omitempty"` // Шаг исполнен запасным кандидатом
	DurationMs int64                  `json:"duration_ms"`
}

// TaskResult — агрегат: успех только если успешен каждый требуемый шаг.
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	TaskType       string         `json:"task_type"`
	Status         TaskStatus     `json:"status"`
	Steps          []StepResult   `json:"steps"`
	ExecutionOrder []string       `json:"execution_order"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	Error          string         `json:"error,omitempty"`
}

// Succeeded — задача целиком успешна.
func (r *TaskResult) Succeeded() bool {
	return r.Status == TaskCompleted
}

// Step возвращает результат шага по имени агента (nil, если шага не было).
func (r *TaskResult) Step(agent string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Agent == agent {
			return &r.Steps[i]
		}
	}
	return nil
}
