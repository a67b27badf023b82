package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

func newTestRuntimeSet(threshold uint32, cooldown time.Duration) *RuntimeSet {
	return NewRuntimeSet(infra.EngineConfig{
		CBFailureThreshold: threshold,
		CBCooldown:         cooldown,
	}, NewMetrics(nil), zap.NewNop())
}

var errAgentDown = errors.New("agent down")

func failCall() (map[string]interface{}, error) { return nil, errAgentDown }
func okCall() (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	rs := newTestRuntimeSet(3, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := rs.Execute("scanner", failCall); !errors.Is(err, errAgentDown) {
			t.Fatalf("call %d: want agent error, got %v", i+1, err)
		}
	}

	// Порог достигнут: следующий вызов не доходит до агента
	called := false
	_, err := rs.Execute("scanner", func() (map[string]interface{}, error) {
		called = true
		return nil, nil
	})
	var open *domain.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("want CircuitOpenError, got %v", err)
	}
	if called {
		t.Fatal("agent must not be invoked while the breaker is OPEN")
	}
	if open.Agent != "scanner" || open.OpenUntil.IsZero() {
		t.Fatalf("rejection must carry agent and deadline: %+v", open)
	}
	if rs.Status("scanner") != domain.StatusOpen {
		t.Fatalf("Status = %s, want OPEN", rs.Status("scanner"))
	}
}

func TestBreakerIsolatedPerAgent(t *testing.T) {
	rs := newTestRuntimeSet(2, time.Minute)

	rs.Execute("flaky", failCall)
	rs.Execute("flaky", failCall)

	if rs.Status("flaky") != domain.StatusOpen {
		t.Fatal("flaky breaker must be OPEN")
	}
	// Сосед не задет
	if _, err := rs.Execute("steady", okCall); err != nil {
		t.Fatalf("steady agent must stay available: %v", err)
	}
	if rs.Status("steady") != domain.StatusHealthy {
		t.Fatalf("steady status = %s", rs.Status("steady"))
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	rs := newTestRuntimeSet(2, 30*time.Millisecond)

	rs.Execute("scanner", failCall)
	rs.Execute("scanner", failCall)
	if rs.Status("scanner") != domain.StatusOpen {
		t.Fatal("breaker must be OPEN after threshold")
	}

	time.Sleep(50 * time.Millisecond)

	// Первый же вызов после cooldown — пробный, успех закрывает предохранитель
	out, err := rs.Execute("scanner", okCall)
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("probe result = %v", out)
	}
	if rs.Status("scanner") != domain.StatusHealthy {
		t.Fatalf("successful probe must close the breaker, status = %s", rs.Status("scanner"))
	}
}

func TestBreakerHalfOpenRejectsConcurrentCallers(t *testing.T) {
	rs := newTestRuntimeSet(2, 30*time.Millisecond)

	rs.Execute("scanner", failCall)
	rs.Execute("scanner", failCall)
	time.Sleep(50 * time.Millisecond)

	// Проба повисает: HALF_OPEN-слот занят
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		_, err := rs.Execute("scanner", func() (map[string]interface{}, error) {
			close(probeStarted)
			<-release
			return map[string]interface{}{}, nil
		})
		probeDone <- err
	}()
	<-probeStarted

	// Конкурирующий вызов отклоняется, пока проба не разрешилась
	called := false
	_, err := rs.Execute("scanner", func() (map[string]interface{}, error) {
		called = true
		return nil, nil
	})
	var open *domain.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("concurrent caller in HALF_OPEN: want CircuitOpenError, got %v", err)
	}
	if called {
		t.Fatal("only the single probe may reach the agent in HALF_OPEN")
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if rs.Status("scanner") != domain.StatusHealthy {
		t.Fatalf("successful probe must close the breaker, status = %s", rs.Status("scanner"))
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	rs := newTestRuntimeSet(2, 30*time.Millisecond)

	rs.Execute("scanner", failCall)
	rs.Execute("scanner", failCall)
	time.Sleep(50 * time.Millisecond)

	if _, err := rs.Execute("scanner", failCall); !errors.Is(err, errAgentDown) {
		t.Fatalf("probe must reach the agent, got %v", err)
	}
	if rs.Status("scanner") != domain.StatusOpen {
		t.Fatalf("failed probe must reopen the breaker, status = %s", rs.Status("scanner"))
	}
}

func TestBreakerReset(t *testing.T) {
	rs := newTestRuntimeSet(2, time.Minute)

	rs.Execute("scanner", failCall)
	rs.Execute("scanner", failCall)
	if rs.Status("scanner") != domain.StatusOpen {
		t.Fatal("precondition: breaker OPEN")
	}

	// Hot reload агента сбрасывает рантайм
	rs.Reset("scanner")
	if rs.Status("scanner") != domain.StatusHealthy {
		t.Fatalf("Reset must produce a clean breaker, status = %s", rs.Status("scanner"))
	}
	if _, err := rs.Execute("scanner", okCall); err != nil {
		t.Fatalf("call after Reset: %v", err)
	}

	snap := rs.Snapshot("scanner")
	if snap.Metrics.Calls != 1 || snap.Metrics.Errors != 0 {
		t.Fatalf("Reset must zero the totals: %+v", snap.Metrics)
	}
}

func TestBreakerSnapshotTotals(t *testing.T) {
	rs := newTestRuntimeSet(10, time.Minute)

	rs.Execute("scanner", okCall)
	rs.Execute("scanner", okCall)
	rs.Execute("scanner", failCall)

	snap := rs.Snapshot("scanner")
	if snap.Metrics.Calls != 3 || snap.Metrics.Errors != 1 {
		t.Fatalf("totals = %+v", snap.Metrics)
	}
	if got := snap.Metrics.SuccessRate; got < 0.66 || got > 0.67 {
		t.Fatalf("SuccessRate = %v, want ~2/3", got)
	}
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d", snap.ConsecutiveFailures)
	}
}
