package connectors

import (
	"context"
	"math/rand/v2"
	"time"
)

// MockAgent — локальный коллаборатор для демо-режима и тестов.
// Имитирует задержку 50-300мс и детерминированные ответы по типу задачи.
type MockAgent struct {
	Name string
	// Fail заставляет каждый вызов завершаться типизированной ошибкой
	Fail bool
}

func (m *MockAgent) Invoke(ctx context.Context, params, callCtx map[string]interface{}) (map[string]interface{}, error) {
	latency := time.Duration(50+rand.IntN(250)) * time.Millisecond

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if m.Fail {
		return nil, &InvocationError{Code: "INTERNAL", Message: "simulated agent failure"}
	}

	return map[string]interface{}{
		"agent":  m.Name,
		"status": "ok",
		"echo":   params,
	}, nil
}

func (m *MockAgent) Probe(ctx context.Context) error {
	if m.Fail {
		return &InvocationError{Code: "UNAVAILABLE", Message: "simulated probe failure"}
	}
	return nil
}
