// =============================================================================
// GRPC SERVER TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - The standard health protocol answers for the broker and per address
//   - A blocked address turns NOT_SERVING; unblocking restores it
//   - A deleted address reports SERVICE_UNKNOWN
//   - Stop flips everything to NOT_SERVING
//
// TEST ARCHITECTURE:
//
//   Test Broker (memory journal) ◄── gRPC Server (127.0.0.1:0) ◄── client
//
// =============================================================================

package grpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"addrbroker/internal/broker"
	"addrbroker/internal/journal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	broker *broker.Broker
	server *Server
	conn   *grpc.ClientConn
	client healthpb.HealthClient
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	config := broker.DefaultBrokerConfig()
	config.DataDir = t.TempDir()
	config.JournalBackend = journal.BackendMemory
	config.Logger = testLogger()
	b, err := broker.NewBroker(config)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	b := newTestBroker(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	serverConfig := DefaultServerConfig()
	serverConfig.EnableReflection = false
	serverConfig.HealthInterval = 20 * time.Millisecond
	serverConfig.Logger = testLogger()
	server := NewServer(b, serverConfig)

	go server.Serve(listener)

	conn, err := grpc.NewClient(listener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		server.Stop()
		t.Fatalf("Failed to create client: %v", err)
	}

	ts := &testServer{
		broker: b,
		server: server,
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
	}
	t.Cleanup(func() {
		conn.Close()
		server.Stop()
	})
	return ts
}

func (ts *testServer) check(t *testing.T, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := ts.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", service, err)
	}
	return resp.GetStatus()
}

// waitStatus polls until service reports want.
func (ts *testServer) waitStatus(t *testing.T, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := ts.check(t, service)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Check(%q) = %s, want %s", service, got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// =============================================================================
// HEALTH TESTS
// =============================================================================

func TestHealth_Overall(t *testing.T) {
	ts := setupTestServer(t)

	ts.waitStatus(t, "", healthpb.HealthCheckResponse_SERVING)
	ts.waitStatus(t, ServiceBroker, healthpb.HealthCheckResponse_SERVING)
}

func TestHealth_AddressFollowsFlowControl(t *testing.T) {
	ts := setupTestServer(t)

	if err := ts.broker.Bind("orders", "q", false); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	svc := AddressService("orders")
	ts.waitStatus(t, svc, healthpb.HealthCheckResponse_SERVING)

	ctl, err := ts.broker.Control("orders")
	if err != nil {
		t.Fatalf("Control failed: %v", err)
	}
	ctl.Block()
	ts.waitStatus(t, svc, healthpb.HealthCheckResponse_NOT_SERVING)

	ctl.Unblock()
	ts.waitStatus(t, svc, healthpb.HealthCheckResponse_SERVING)

	if err := ts.broker.DeleteAddress("orders", true); err != nil {
		t.Fatalf("DeleteAddress failed: %v", err)
	}
	ts.waitStatus(t, svc, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

func TestHealth_UnknownService(t *testing.T) {
	ts := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ts.client.Check(ctx, &healthpb.HealthCheckRequest{Service: AddressService("never")})
	if err == nil {
		t.Error("Check for an address that never existed succeeded, want NotFound")
	}
}

func TestHealthSync_BrokerClosed(t *testing.T) {
	b := newTestBroker(t)
	hs := health.NewServer()
	hsync := NewHealthSync(b, hs, testLogger())

	if err := b.Bind("orders", "q", false); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	hsync.Sync()

	ctx := context.Background()
	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: AddressService("orders")})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("orders = %v, %v; want SERVING", resp.GetStatus(), err)
	}

	b.Close()
	hsync.Sync()

	resp, _ = hs.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceBroker})
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("broker = %v, want NOT_SERVING", resp.GetStatus())
	}
	resp, _ = hs.Check(ctx, &healthpb.HealthCheckRequest{Service: AddressService("orders")})
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Errorf("orders after close = %v, want SERVICE_UNKNOWN", resp.GetStatus())
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	b := newTestBroker(t)
	config := DefaultServerConfig()
	config.Address = "127.0.0.1:0"
	config.Logger = testLogger()
	server := NewServer(b, config)

	done := make(chan error, 1)
	go func() { done <- server.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Address() == config.Address {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	server.Stop()
	server.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after Stop, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
