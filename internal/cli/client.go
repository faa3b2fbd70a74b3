// =============================================================================
// CLI HTTP CLIENT - OPERATOR INTERFACE TO ADDRBROKER
// =============================================================================
//
// WHAT IS THIS?
// A thin HTTP client over the management API. Each method maps to one
// route; responses decode into the same types the server encodes.
//
// HTTP ENDPOINTS USED:
//
//   Addresses:
//     POST   /addresses                       Create address
//     GET    /addresses?verbose=true          List addresses with info
//     GET    /addresses/{name}                Describe address
//     DELETE /addresses/{name}?force=true     Delete address
//     GET    /addresses/{name}/settings       Effective settings
//
//   Messages & bindings:
//     POST   /addresses/{name}/messages                   Publish
//     POST   /addresses/{name}/bindings                   Bind queue
//     DELETE /addresses/{name}/bindings/{queue}           Unbind queue
//     GET    /addresses/{name}/queues/{queue}/messages    Consume
//     POST   /addresses/{name}/queues/{queue}/ack         Ack
//
//   Control:
//     POST   /addresses/{name}/{pause,resume,purge,block,unblock}
//     DELETE /addresses/{name}/duplicate-cache
//     POST   /addresses/{name}/page-cleanup
//     GET    /addresses/{name}/limit-percent
//     POST   /addresses/{name}/reset-counters
//     POST   /addresses/{name}/send-message
//     POST   /addresses/{name}/replay
//     GET    /addresses/{name}/replay
//
//   Broker:
//     GET    /health /stats /version
//     PUT    /global-max-size
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"addrbroker/internal/address"
	"addrbroker/internal/replay"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// ServerURL is the base URL of the broker (e.g., "http://localhost:8080")
	ServerURL string

	// Timeout is the HTTP request timeout. Replay runs synchronously, so
	// long windows need a generous value.
	Timeout time.Duration

	// APIKey is sent as X-API-Key when set
	APIKey string
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// doRequest executes an HTTP request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Message:    errResp.Error,
				Kind:       errResp.Kind,
			}
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func addressPath(name string, elem ...string) string {
	p := "/addresses/" + url.PathEscape(name)
	for _, e := range elem {
		p += "/" + url.PathEscape(e)
	}
	return p
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError is a non-2xx response. Kind is the broker's error kind
// ("Blocked", "NotFound", ...) when the server supplied one.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ErrorResponse is the server's error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status int    `json:"status"`
}

// =============================================================================
// ADDRESS OPERATIONS
// =============================================================================

// CreateAddressRequest is the body of POST /addresses.
type CreateAddressRequest struct {
	Name         string   `json:"name"`
	RoutingTypes []string `json:"routing_types,omitempty"`
	Internal     bool     `json:"internal,omitempty"`
	Temporary    bool     `json:"temporary,omitempty"`
}

// CreateAddress creates an address.
func (c *Client) CreateAddress(ctx context.Context, req CreateAddressRequest) (*address.Info, error) {
	var info address.Info
	if err := c.doRequest(ctx, http.MethodPost, "/addresses", nil, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListAddresses returns every address with its info snapshot.
func (c *Client) ListAddresses(ctx context.Context) ([]address.Info, error) {
	var resp struct {
		Addresses []address.Info `json:"addresses"`
	}
	query := url.Values{"verbose": {"true"}}
	if err := c.doRequest(ctx, http.MethodGet, "/addresses", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Addresses, nil
}

// DescribeAddress returns one address's info snapshot.
func (c *Client) DescribeAddress(ctx context.Context, name string) (*address.Info, error) {
	var info address.Info
	if err := c.doRequest(ctx, http.MethodGet, addressPath(name), nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteAddress deletes an address. Without force the server refuses an
// address that still has bindings.
func (c *Client) DeleteAddress(ctx context.Context, name string, force bool) error {
	var query url.Values
	if force {
		query = url.Values{"force": {"true"}}
	}
	return c.doRequest(ctx, http.MethodDelete, addressPath(name), query, nil, nil)
}

// GetSettings returns the effective settings of an address.
func (c *Client) GetSettings(ctx context.Context, name string) (*address.Settings, error) {
	var s address.Settings
	if err := c.doRequest(ctx, http.MethodGet, addressPath(name, "settings"), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// =============================================================================
// MESSAGE & BINDING OPERATIONS
// =============================================================================

// PublishMessage is one message to publish.
type PublishMessage struct {
	ID          string            `json:"id,omitempty"`
	DuplicateID string            `json:"duplicate_id,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Body        string            `json:"body"`
	Durable     bool              `json:"durable,omitempty"`
}

// PublishResult is the per-message outcome.
type PublishResult struct {
	address.PublishResult
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// PublishResponse is the response of a publish request.
type PublishResponse struct {
	Results []PublishResult `json:"results"`
}

// Publish sends messages to an address.
func (c *Client) Publish(ctx context.Context, name string, messages []PublishMessage) (*PublishResponse, error) {
	body := map[string]interface{}{"messages": messages}
	var resp PublishResponse
	if err := c.doRequest(ctx, http.MethodPost, addressPath(name, "messages"), nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bind binds a queue to an address, creating the address if needed.
func (c *Client) Bind(ctx context.Context, name, queue string, remote bool) error {
	body := map[string]interface{}{"queue": queue, "remote": remote}
	return c.doRequest(ctx, http.MethodPost, addressPath(name, "bindings"), nil, body, nil)
}

// Unbind removes a queue binding.
func (c *Client) Unbind(ctx context.Context, name, queue string) error {
	return c.doRequest(ctx, http.MethodDelete, addressPath(name, "bindings", queue), nil, nil, nil)
}

// ConsumeResponse is the response of a consume request.
type ConsumeResponse struct {
	Deliveries []address.Delivery `json:"deliveries"`
}

// Consume reads up to max deliveries from a bound queue.
func (c *Client) Consume(ctx context.Context, name, queue string, max int) (*ConsumeResponse, error) {
	query := url.Values{}
	if max > 0 {
		query.Set("max", strconv.Itoa(max))
	}
	var resp ConsumeResponse
	if err := c.doRequest(ctx, http.MethodGet, addressPath(name, "queues", queue, "messages"), query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ack acknowledges deliveries and returns how many were acked.
func (c *Client) Ack(ctx context.Context, name, queue string, tags []uint64) (int, error) {
	var resp struct {
		Acked int    `json:"acked"`
		Error string `json:"error,omitempty"`
	}
	body := map[string]interface{}{"tags": tags}
	if err := c.doRequest(ctx, http.MethodPost, addressPath(name, "queues", queue, "ack"), nil, body, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return resp.Acked, fmt.Errorf("acked %d of %d: %s", resp.Acked, len(tags), resp.Error)
	}
	return resp.Acked, nil
}

// =============================================================================
// CONTROL OPERATIONS
// =============================================================================

// ControlResponse is the generic body of control operations. Only the
// fields the operation reports are set.
type ControlResponse struct {
	Address      string `json:"address"`
	PauseState   string `json:"pause_state,omitempty"`
	Purged       int    `json:"purged,omitempty"`
	Blocked      bool   `json:"blocked,omitempty"`
	Changed      bool   `json:"changed,omitempty"`
	Cleared      int    `json:"cleared,omitempty"`
	Scheduled    bool   `json:"scheduled,omitempty"`
	LimitPercent int    `json:"limit_percent,omitempty"`
	Reset        bool   `json:"reset,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
}

func (c *Client) control(ctx context.Context, method, name, op string, body interface{}) (*ControlResponse, error) {
	var resp ControlResponse
	if err := c.doRequest(ctx, method, addressPath(name, op), nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause stops delivery from every queue of the address.
func (c *Client) Pause(ctx context.Context, name string, persist bool) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "pause", map[string]bool{"persist": persist})
}

// Resume restarts delivery.
func (c *Client) Resume(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "resume", nil)
}

// Purge removes every pending message of every bound queue.
func (c *Client) Purge(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "purge", nil)
}

// Block refuses producers until Unblock.
func (c *Client) Block(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "block", nil)
}

// Unblock lifts a management block.
func (c *Client) Unblock(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "unblock", nil)
}

// ClearDuplicateCache empties the duplicate-ID cache.
func (c *Client) ClearDuplicateCache(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodDelete, name, "duplicate-cache", nil)
}

// SchedulePageCleanup asks the broker to drop consumed page files.
func (c *Client) SchedulePageCleanup(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "page-cleanup", nil)
}

// LimitPercent returns the address size as a percentage of its limit.
func (c *Client) LimitPercent(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodGet, name, "limit-percent", nil)
}

// ResetCounters zeroes the routed and unrouted counters.
func (c *Client) ResetCounters(ctx context.Context, name string) (*ControlResponse, error) {
	return c.control(ctx, http.MethodPost, name, "reset-counters", nil)
}

// SendMessageRequest is a management-supplied message. Body is raw bytes;
// the client base64-encodes it.
type SendMessageRequest struct {
	Headers         map[string]string
	Type            int
	Body            []byte
	Durable         bool
	User            string
	Password        string
	CreateMessageID bool
}

// SendMessage publishes through the management path.
func (c *Client) SendMessage(ctx context.Context, name string, req SendMessageRequest) (*ControlResponse, error) {
	body := map[string]interface{}{
		"headers":           req.Headers,
		"type":              req.Type,
		"body":              base64.StdEncoding.EncodeToString(req.Body),
		"durable":           req.Durable,
		"user":              req.User,
		"password":          req.Password,
		"create_message_id": req.CreateMessageID,
	}
	return c.control(ctx, http.MethodPost, name, "send-message", body)
}

// =============================================================================
// REPLAY
// =============================================================================

// ReplayRequest starts a replay. StartScan and EndScan are YYYYMMDDHHMMSS;
// leave both empty to replay everything retained.
type ReplayRequest struct {
	StartScan string `json:"start_scan,omitempty"`
	EndScan   string `json:"end_scan,omitempty"`
	Target    string `json:"target"`
	Filter    string `json:"filter,omitempty"`
}

// ReplayResponse is the body of a finished (or partially finished) replay.
type ReplayResponse struct {
	Address     string        `json:"address"`
	Republished int           `json:"republished"`
	Result      replay.Result `json:"result"`
	Error       string        `json:"error,omitempty"`
	Kind        string        `json:"kind,omitempty"`
}

// Replay runs a replay and waits for it to finish.
func (c *Client) Replay(ctx context.Context, name string, req ReplayRequest) (*ReplayResponse, error) {
	var resp ReplayResponse
	if err := c.doRequest(ctx, http.MethodPost, addressPath(name, "replay"), nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplayState returns the replay engine state for an address.
func (c *Client) ReplayState(ctx context.Context, name string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.doRequest(ctx, http.MethodGet, addressPath(name, "replay"), nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// =============================================================================
// BROKER OPERATIONS
// =============================================================================

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BrokerStats is the body of /stats.
type BrokerStats struct {
	NodeID         string `json:"node_id"`
	Uptime         string `json:"uptime"`
	Addresses      int    `json:"addresses"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	GlobalMaxSize  int64  `json:"global_max_size"`
	Paging         int    `json:"paging"`
	Blocked        int    `json:"blocked"`
	Paused         int    `json:"paused"`
}

// GetStats returns broker statistics.
func (c *Client) GetStats(ctx context.Context) (*BrokerStats, error) {
	var resp BrokerStats
	if err := c.doRequest(ctx, http.MethodGet, "/stats", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetGlobalMaxSize sets the broker-wide size limit; 0 disables it.
func (c *Client) SetGlobalMaxSize(ctx context.Context, bytes int64) error {
	body := map[string]int64{"bytes": bytes}
	return c.doRequest(ctx, http.MethodPut, "/global-max-size", nil, body, nil)
}

// VersionInfo contains version information.
type VersionInfo struct {
	ClientVersion string `json:"client_version" yaml:"client_version"`
	ServerVersion string `json:"server_version,omitempty" yaml:"server_version,omitempty"`
	GoVersion     string `json:"go_version,omitempty" yaml:"go_version,omitempty"`
}

// ServerVersion returns the server's reported version and Go runtime.
func (c *Client) ServerVersion(ctx context.Context) (version, goVersion string, err error) {
	var resp struct {
		Version   string `json:"version"`
		GoVersion string `json:"go_version"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/version", nil, nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Version, resp.GoVersion, nil
}

// Version is the CLI version, set by ldflags at build time.
var Version = "dev"
