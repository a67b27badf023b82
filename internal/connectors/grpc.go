package connectors

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// invokeMethod — конвенциональный метод, который обязан выставлять каждый
// агент-коллаборатор: structpb.Struct на входе и выходе, без кодогенерации
// на стороне ядра.
const invokeMethod = "/agent.v1.AgentService/Invoke"

// GRPCAgent — адаптер внешнего агента поверх gRPC.
// Реализует Invoker и Prober (стандартный health-протокол).
type GRPCAgent struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	service string        // Имя сервиса для health-пробы
	timeout time.Duration // Защитный предел на один вызов
}

// DialAgent устанавливает соединение с коллаборатором. Соединение ленивое:
// ошибки достижимости всплывут на первом вызове, не здесь.
func DialAgent(endpoint string, timeout time.Duration) (*GRPCAgent, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAgent{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		service: "agent.v1.AgentService",
		timeout: timeout,
	}, nil
}

// Invoke реализует контракт Invoker: (parameters, context) → payload.
func (a *GRPCAgent) Invoke(ctx context.Context, params, callCtx map[string]interface{}) (map[string]interface{}, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"parameters": params,
		"context":    callCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request struct: %w", err)
	}

	// Защитный таймаут на уровне адаптера: даже если вызывающий забыл свой
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, invokeMethod, req, reply); err != nil {
		if st, ok := status.FromError(err); ok {
			return nil, &InvocationError{Code: st.Code().String(), Message: st.Message()}
		}
		return nil, err
	}
	return reply.AsMap(), nil
}

// Probe — liveness по стандартному grpc_health_v1 протоколу.
func (a *GRPCAgent) Probe(ctx context.Context) error {
	resp, err := a.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: a.service})
	if err != nil {
		return err
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent reports status %s", resp.Status)
	}
	return nil
}

// Close освобождает соединение (вызывается при дерегистрации агента).
func (a *GRPCAgent) Close() error {
	return a.conn.Close()
}
