package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard gRPC health protocol, refreshing the serving
// status from the same dependency checks that back /ready.
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checks   map[string]HealthCheckFunc
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewGRPCHealth creates a health server that re-evaluates checks every interval
func NewGRPCHealth(checks map[string]HealthCheckFunc, interval time.Duration) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	g := &GRPCHealth{
		server:   srv,
		health:   hs,
		checks:   checks,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	g.Refresh(ctx)
	go g.refreshLoop(ctx)
	return g
}

// Serve listens on addr and blocks until Stop is called
func (g *GRPCHealth) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for grpc health: %w", err)
	}
	return g.ServeListener(lis)
}

// ServeListener serves on an existing listener
func (g *GRPCHealth) ServeListener(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Refresh runs the checks once and publishes the resulting status
func (g *GRPCHealth) Refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dependencies, allHealthy := RunChecks(checkCtx, g.checks)
	for name, dep := range dependencies {
		g.health.SetServingStatus(name, servingStatus(dep.Status == "healthy"))
	}
	g.health.SetServingStatus("", servingStatus(allHealthy))
	g.health.SetServingStatus(serviceName, servingStatus(allHealthy))
}

func (g *GRPCHealth) refreshLoop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Stop marks everything not serving and stops the gRPC server
func (g *GRPCHealth) Stop() {
	g.cancel()
	<-g.done
	g.health.Shutdown()
	g.server.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
