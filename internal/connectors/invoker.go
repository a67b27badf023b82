package connectors

import (
	"context"
	"fmt"
)

// Invoker — единый контракт вызова внешнего агента. Ядро не заглядывает
// внутрь агента: только параметры на входе, накопленный контекст
// зависимостей и payload/типизированная ошибка на выходе.
type Invoker interface {
	Invoke(ctx context.Context, params, callCtx map[string]interface{}) (map[string]interface{}, error)
}

// Prober — облегченная liveness-проба. Advisory: результат не влияет
// на предохранитель.
type Prober interface {
	Probe(ctx context.Context) error
}

// InvocationError — типизированный отказ агента: код для машин,
// сообщение для людей. Всё остальное — непрозрачно.
type InvocationError struct {
	Code    string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent invocation failed [%s]: %s", e.Code, e.Message)
}
