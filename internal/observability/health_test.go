package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func healthy(context.Context) (bool, error)   { return true, nil }
func unhealthy(context.Context) (bool, error) { return false, errors.New("engine offline") }

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Service != "transcriber" || status.Status != "healthy" {
		t.Errorf("Unexpected health status: %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheckFunc
		wantCode   int
		wantStatus string
	}{
		{"all healthy", map[string]HealthCheckFunc{"recognizer": healthy, "store": healthy}, http.StatusOK, "ready"},
		{"one failing", map[string]HealthCheckFunc{"recognizer": unhealthy, "store": healthy}, http.StatusServiceUnavailable, "not_ready"},
		{"no checks", nil, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, status.Status)
			}
		})
	}
}

func TestRunChecks_ReportsMessage(t *testing.T) {
	deps, ok := RunChecks(context.Background(), map[string]HealthCheckFunc{"recognizer": unhealthy})
	if ok {
		t.Error("Expected overall failure")
	}
	if deps["recognizer"].Message != "engine offline" {
		t.Errorf("Expected error message to be reported, got %q", deps["recognizer"].Message)
	}
}

func TestGRPCHealth_ServesStatus(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gh := NewGRPCHealth(map[string]HealthCheckFunc{"recognizer": healthy, "store": unhealthy}, time.Hour)
	go gh.ServeListener(lis)
	t.Cleanup(gh.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp *healthpb.HealthCheckResponse
	for {
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "recognizer"})
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("health check never succeeded: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected recognizer SERVING, got %v", resp.Status)
	}

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	if err != nil {
		t.Fatalf("overall check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected overall NOT_SERVING, got %v", resp.Status)
	}
}
