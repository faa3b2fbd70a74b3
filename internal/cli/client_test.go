// =============================================================================
// CLI CLIENT TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - Every client method round-trips against the real API handler
//   - Error bodies surface as *APIError with status and kind
//   - Context files load, save, and resolve with flag > env > file
//   - Table output renders the columns operators read
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"addrbroker/internal/address"
	"addrbroker/internal/api"
	"addrbroker/internal/broker"
	"addrbroker/internal/journal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func setupTestClient(t *testing.T) (*Client, *broker.Broker) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := broker.DefaultBrokerConfig()
	config.DataDir = t.TempDir()
	config.NodeID = "cli-test"
	config.JournalBackend = journal.BackendMemory
	config.Logger = logger

	b, err := broker.NewBroker(config)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	serverConfig := api.DefaultServerConfig()
	serverConfig.Logger = logger
	ts := httptest.NewServer(api.NewServer(b, serverConfig).Handler())
	t.Cleanup(ts.Close)

	return NewClient(ClientConfig{ServerURL: ts.URL, Timeout: 5 * time.Second}), b
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestClient_AddressLifecycle(t *testing.T) {
	c, _ := setupTestClient(t)
	ctx := context.Background()

	info, err := c.CreateAddress(ctx, CreateAddressRequest{
		Name:         "orders",
		RoutingTypes: []string{"MULTICAST"},
	})
	if err != nil {
		t.Fatalf("CreateAddress failed: %v", err)
	}
	if info.Address != "orders" {
		t.Errorf("Address = %q, want %q", info.Address, "orders")
	}

	if err := c.Bind(ctx, "orders", "q1", false); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	infos, err := c.ListAddresses(ctx)
	if err != nil {
		t.Fatalf("ListAddresses failed: %v", err)
	}
	if len(infos) != 1 || infos[0].QueueCount != 1 {
		t.Errorf("ListAddresses = %+v, want one address with one queue", infos)
	}

	settings, err := c.GetSettings(ctx, "orders")
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if settings.FullPolicy == "" {
		t.Error("FullPolicy is empty")
	}

	// Bindings remain, so a plain delete is refused.
	err = c.DeleteAddress(ctx, "orders", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("DeleteAddress error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Kind != "InvalidState" {
		t.Errorf("DeleteAddress error = %d %q, want %d InvalidState",
			apiErr.StatusCode, apiErr.Kind, http.StatusConflict)
	}
	if err := c.DeleteAddress(ctx, "orders", true); err != nil {
		t.Fatalf("DeleteAddress(force) failed: %v", err)
	}

	_, err = c.DescribeAddress(ctx, "orders")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("DescribeAddress after delete error = %v, want 404", err)
	}
}

func TestClient_PublishConsumeAck(t *testing.T) {
	c, _ := setupTestClient(t)
	ctx := context.Background()

	if err := c.Bind(ctx, "orders", "q", false); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	resp, err := c.Publish(ctx, "orders", []PublishMessage{
		{ID: "a", DuplicateID: "dup-1", Body: "one"},
		{ID: "b", DuplicateID: "dup-1", Body: "one again"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := resp.Results[0].Outcome; got != address.OutcomeDelivered {
		t.Errorf("first outcome = %s, want %s", got, address.OutcomeDelivered)
	}
	if got := resp.Results[1].Outcome; got != address.OutcomeDuplicate {
		t.Errorf("second outcome = %s, want %s", got, address.OutcomeDuplicate)
	}

	consumed, err := c.Consume(ctx, "orders", "q", 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(consumed.Deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(consumed.Deliveries))
	}
	if body := string(consumed.Deliveries[0].Message.Body); body != "one" {
		t.Errorf("body = %q, want %q", body, "one")
	}

	acked, err := c.Ack(ctx, "orders", "q", []uint64{consumed.Deliveries[0].Tag})
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if acked != 1 {
		t.Errorf("acked = %d, want 1", acked)
	}
}

func TestClient_ControlOperations(t *testing.T) {
	c, b := setupTestClient(t)
	ctx := context.Background()

	if err := c.Bind(ctx, "orders", "q", false); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := c.Publish(ctx, "orders", []PublishMessage{{Body: "x"}, {Body: "y"}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	resp, err := c.Pause(ctx, "orders", false)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if resp.PauseState != "PAUSED" {
		t.Errorf("PauseState = %q after pause", resp.PauseState)
	}
	if _, err := c.Resume(ctx, "orders"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	resp, err = c.Purge(ctx, "orders")
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if resp.Purged != 2 {
		t.Errorf("Purged = %d, want 2", resp.Purged)
	}

	resp, err = c.Block(ctx, "orders")
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if !resp.Blocked || !resp.Changed {
		t.Errorf("Block = %+v, want blocked and changed", resp)
	}
	ctl, _ := b.Control("orders")
	if !ctl.IsBlocked() {
		t.Error("broker does not report the address blocked")
	}
	if _, err := c.Unblock(ctx, "orders"); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}

	if _, err := c.ClearDuplicateCache(ctx, "orders"); err != nil {
		t.Errorf("ClearDuplicateCache failed: %v", err)
	}
	if resp, err := c.SchedulePageCleanup(ctx, "orders"); err != nil || !resp.Scheduled {
		t.Errorf("SchedulePageCleanup = %+v, %v", resp, err)
	}
	if _, err := c.LimitPercent(ctx, "orders"); err != nil {
		t.Errorf("LimitPercent failed: %v", err)
	}
	if resp, err := c.ResetCounters(ctx, "orders"); err != nil || !resp.Reset {
		t.Errorf("ResetCounters = %+v, %v", resp, err)
	}

	resp, err = c.SendMessage(ctx, "orders", SendMessageRequest{
		Headers:         map[string]string{"color": "red"},
		Body:            []byte("hello"),
		CreateMessageID: true,
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.MessageID == "" {
		t.Error("SendMessage with CreateMessageID returned no message id")
	}
}

func TestClient_Replay(t *testing.T) {
	c, _ := setupTestClient(t)
	ctx := context.Background()

	c.Bind(ctx, "orders", "q", false)
	c.Bind(ctx, "orders.retry", "r", false)
	if _, err := c.Publish(ctx, "orders", []PublishMessage{
		{Body: "a", Properties: map[string]string{"color": "red"}},
		{Body: "b", Properties: map[string]string{"color": "blue"}},
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	resp, err := c.Replay(ctx, "orders", ReplayRequest{
		Target: "orders.retry",
		Filter: "color = 'red'",
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if resp.Republished != 1 {
		t.Errorf("Republished = %d, want 1", resp.Republished)
	}

	state, err := c.ReplayState(ctx, "orders")
	if err != nil {
		t.Fatalf("ReplayState failed: %v", err)
	}
	if state == "" {
		t.Error("ReplayState is empty")
	}

	// Malformed dates are rejected before the engine runs.
	_, err = c.Replay(ctx, "orders", ReplayRequest{StartScan: "yesterday", Target: "orders.retry"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Replay with bad date error = %v, want 400", err)
	}
}

func TestClient_BrokerOperations(t *testing.T) {
	c, _ := setupTestClient(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.NodeID != "cli-test" {
		t.Errorf("NodeID = %q, want %q", health.NodeID, "cli-test")
	}

	if err := c.SetGlobalMaxSize(ctx, 1<<20); err != nil {
		t.Fatalf("SetGlobalMaxSize failed: %v", err)
	}
	stats, err := c.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.GlobalMaxSize != 1<<20 {
		t.Errorf("GlobalMaxSize = %d, want %d", stats.GlobalMaxSize, 1<<20)
	}

	if _, goVersion, err := c.ServerVersion(ctx); err != nil || goVersion == "" {
		t.Errorf("ServerVersion = %q, %v", goVersion, err)
	}
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")

	cfg := DefaultConfig()
	cfg.SetContext("prod", &ContextConfig{Server: "https://prod:8080", Timeout: 300})
	if err := cfg.UseContext("prod"); err != nil {
		t.Fatalf("UseContext failed: %v", err)
	}
	if err := cfg.SaveToPath(path); err != nil {
		t.Fatalf("SaveToPath failed: %v", err)
	}

	loaded, err := LoadConfigFromPath(path)
	if err != nil {
		t.Fatalf("LoadConfigFromPath failed: %v", err)
	}
	if loaded.CurrentContext != "prod" {
		t.Errorf("CurrentContext = %q, want %q", loaded.CurrentContext, "prod")
	}
	if got := loaded.ListContexts(); strings.Join(got, ",") != "local,prod" {
		t.Errorf("ListContexts = %v, want [local prod]", got)
	}

	if err := loaded.DeleteContext("prod"); err != nil {
		t.Fatalf("DeleteContext failed: %v", err)
	}
	if loaded.CurrentContext != "" {
		t.Errorf("CurrentContext = %q after deleting it, want empty", loaded.CurrentContext)
	}
}

func TestConfig_MissingFileIsDefault(t *testing.T) {
	cfg, err := LoadConfigFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigFromPath failed: %v", err)
	}
	if cfg.CurrentContext != "local" {
		t.Errorf("CurrentContext = %q, want %q", cfg.CurrentContext, "local")
	}
}

func TestResolve_Precedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetContext("local", &ContextConfig{Server: "http://ctx:1", APIKey: "ctx-key", Timeout: 60})

	t.Setenv(EnvServer, "")
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvTimeout, "")

	if got := ResolveServer("", cfg); got != "http://ctx:1" {
		t.Errorf("ResolveServer(context) = %q", got)
	}
	if got := ResolveTimeout(0, cfg); got != 60*time.Second {
		t.Errorf("ResolveTimeout(context) = %v", got)
	}

	t.Setenv(EnvServer, "http://env:2")
	t.Setenv(EnvTimeout, "90")
	if got := ResolveServer("", cfg); got != "http://env:2" {
		t.Errorf("ResolveServer(env) = %q", got)
	}
	if got := ResolveTimeout(0, cfg); got != 90*time.Second {
		t.Errorf("ResolveTimeout(env) = %v", got)
	}

	if got := ResolveServer("http://flag:3", cfg); got != "http://flag:3" {
		t.Errorf("ResolveServer(flag) = %q", got)
	}
	if got := ResolveTimeout(5, cfg); got != 5*time.Second {
		t.Errorf("ResolveTimeout(flag) = %v", got)
	}
	if got := ResolveAPIKey("", cfg); got != "ctx-key" {
		t.Errorf("ResolveAPIKey(context) = %q", got)
	}
}

// =============================================================================
// FORMATTER TESTS
// =============================================================================

func TestFormatter_Addresses(t *testing.T) {
	infos := []address.Info{{
		Address:             "orders",
		RoutingTypes:        []string{"MULTICAST"},
		AddressSize:         2048,
		AddressLimitPercent: 42,
		Paging:              true,
		QueueCount:          3,
		PauseState:          "RUNNING",
	}}

	var buf bytes.Buffer
	f := NewFormatter(OutputTable)
	f.SetWriter(&buf)
	if err := f.FormatAddresses(infos); err != nil {
		t.Fatalf("FormatAddresses failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "orders", "2.0 KB", "42%", "yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	f = NewFormatter(OutputJSON)
	f.SetWriter(&buf)
	if err := f.FormatAddresses(infos); err != nil {
		t.Fatalf("FormatAddresses(json) failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"address_limit_percent": 42`) {
		t.Errorf("json output = %s", buf.String())
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputTable, false},
		{"JSON", OutputJSON, false},
		{"yml", OutputYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{5 << 20, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := limitBytes(0); got != "unlimited" {
		t.Errorf("limitBytes(0) = %q, want unlimited", got)
	}
}
