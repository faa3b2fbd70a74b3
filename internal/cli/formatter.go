// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML
// =============================================================================
//
// Tables are for people, JSON is for jq, YAML is for diffing settings:
//
//   $ addrbroker-cli address list
//   NAME      ROUTING    SIZE     LIMIT  PAGING  BLOCKED  QUEUES  PAUSE
//   orders    MULTICAST  2.1 MB   42%     no      no       3       RUNNING
//   payments  ANYCAST    12.4 MB  100%    yes     no       1       RUNNING
//
//   $ addrbroker-cli address list -o json | jq '.[] | select(.paging)'
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"addrbroker/internal/address"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// IsTable reports whether output is human-readable.
func (f *Formatter) IsTable() bool {
	return f.format == OutputTable
}

// Format outputs data as JSON or YAML. Table output needs a typed method.
func (f *Formatter) Format(data interface{}) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(data)
	case OutputYAML:
		return f.formatYAML(data)
	default:
		return fmt.Errorf("use specific table method for data type")
	}
}

// structured writes data as JSON or YAML and reports whether it did.
func (f *Formatter) structured(data interface{}) (bool, error) {
	switch f.format {
	case OutputJSON:
		return true, f.formatJSON(data)
	case OutputYAML:
		return true, f.formatYAML(data)
	}
	return false, nil
}

func (f *Formatter) formatJSON(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (f *Formatter) formatYAML(data interface{}) error {
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{
		tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0),
	}
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw      *tabwriter.Writer
	headers []string
}

// SetHeaders sets the table headers.
func (t *TableWriter) SetHeaders(headers ...string) {
	t.headers = headers
}

// WriteHeaders writes the headers row, upper-cased.
func (t *TableWriter) WriteHeaders() {
	if len(t.headers) == 0 {
		return
	}
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// ADDRESS FORMATTERS
// =============================================================================

// FormatAddresses outputs a list of addresses.
func (f *Formatter) FormatAddresses(infos []address.Info) error {
	if ok, err := f.structured(infos); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("NAME", "ROUTING", "SIZE", "LIMIT", "PAGING", "BLOCKED", "QUEUES", "PAUSE")
	table.WriteHeaders()
	for _, info := range infos {
		table.WriteRow(
			info.Address,
			strings.Join(info.RoutingTypes, ","),
			formatBytes(info.AddressSize),
			fmt.Sprintf("%d%%", info.AddressLimitPercent),
			yesNo(info.Paging),
			yesNo(info.Blocked),
			info.QueueCount,
			info.PauseState,
		)
	}
	return table.Flush()
}

// FormatAddressInfo outputs one address in key-value style.
func (f *Formatter) FormatAddressInfo(info *address.Info) error {
	if ok, err := f.structured(info); ok {
		return err
	}

	w := f.writer
	fmt.Fprintf(w, "Address:          %s\n", info.Address)
	fmt.Fprintf(w, "ID:               %d\n", info.ID)
	fmt.Fprintf(w, "Routing Types:    %s\n", strings.Join(info.RoutingTypes, ", "))
	fmt.Fprintf(w, "Size:             %s (%d%% of limit)\n", formatBytes(info.AddressSize), info.AddressLimitPercent)
	fmt.Fprintf(w, "Paging:           %s (%d pages, %s per page)\n",
		yesNo(info.Paging), info.NumberOfPages, formatBytes(info.NumberOfBytesPerPage))
	fmt.Fprintf(w, "Blocked:          %s\n", yesNo(info.Blocked))
	fmt.Fprintf(w, "Pause State:      %s\n", info.PauseState)
	fmt.Fprintf(w, "Duplicate Cache:  %d\n", info.CurrentDuplicateIDCacheSize)
	fmt.Fprintf(w, "Messages:         %d (routed %d, unrouted %d)\n",
		info.MessageCount, info.RoutedMessageCount, info.UnroutedMessageCount)
	fmt.Fprintf(w, "Flags:            %s\n", addressFlags(info))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "BINDINGS:")

	remote := make(map[string]bool, len(info.RemoteQueueNames))
	for _, q := range info.RemoteQueueNames {
		remote[q] = true
	}
	table := f.Table()
	table.SetHeaders("QUEUE", "REMOTE")
	table.WriteHeaders()
	for _, q := range info.AllQueueNames {
		table.WriteRow(q, yesNo(remote[q]))
	}
	return table.Flush()
}

// FormatSettings outputs effective address-settings.
func (f *Formatter) FormatSettings(name string, s *address.Settings) error {
	if ok, err := f.structured(s); ok {
		return err
	}

	w := f.writer
	fmt.Fprintf(w, "Address:               %s\n", name)
	fmt.Fprintf(w, "Max Size:              %s\n", limitBytes(s.MaxSizeBytes))
	fmt.Fprintf(w, "Low Watermark:         %s\n", limitBytes(s.LowWatermark))
	fmt.Fprintf(w, "Paging Threshold:      %s\n", limitBytes(s.PagingThreshold))
	fmt.Fprintf(w, "Page Size:             %s\n", formatBytes(s.PageSizeBytes))
	fmt.Fprintf(w, "Max Disk:              %s\n", limitBytes(s.MaxDiskBytes))
	fmt.Fprintf(w, "Full Policy:           %s\n", s.FullPolicy)
	fmt.Fprintf(w, "Duplicate Cache Size:  %d\n", s.DuplicateCacheSize)
	return nil
}

// FormatPublishResults outputs per-message publish outcomes.
func (f *Formatter) FormatPublishResults(resp *PublishResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("#", "MESSAGE ID", "OUTCOME", "QUEUES", "PAGE", "SIZE", "ERROR")
	table.WriteHeaders()
	for i, r := range resp.Results {
		outcome := string(r.Outcome)
		errStr := "-"
		if r.Error != "" {
			outcome = "failed"
			errStr = r.Error
			if r.Kind != "" {
				errStr = r.Kind + ": " + r.Error
			}
		}
		page := "-"
		if r.Outcome == address.OutcomePaged {
			page = fmt.Sprint(r.PageID)
		}
		table.WriteRow(i, dash(r.MessageID), outcome, r.Queues, page, r.Size, errStr)
	}
	return table.Flush()
}

// FormatDeliveries outputs consumed deliveries.
func (f *Formatter) FormatDeliveries(resp *ConsumeResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("TAG", "SEQUENCE", "MESSAGE ID", "PAGED", "BODY")
	table.WriteHeaders()
	for _, d := range resp.Deliveries {
		var id, body string
		if d.Message != nil {
			id = d.Message.ID
			body = string(d.Message.Body)
		}
		if len(body) > 50 {
			body = body[:47] + "..."
		}
		table.WriteRow(d.Tag, d.Sequence, dash(id), yesNo(d.Paged), body)
	}
	return table.Flush()
}

// FormatReplay outputs a replay result.
func (f *Formatter) FormatReplay(resp *ReplayResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	w := f.writer
	fmt.Fprintf(w, "Address:      %s\n", resp.Address)
	fmt.Fprintf(w, "Run ID:       %s\n", dash(resp.Result.RunID))
	fmt.Fprintf(w, "Segments:     %d\n", resp.Result.Segments)
	fmt.Fprintf(w, "Scanned:      %d\n", resp.Result.Scanned)
	fmt.Fprintf(w, "Republished:  %d\n", resp.Result.Republished)
	fmt.Fprintf(w, "Suppressed:   %d\n", resp.Result.Suppressed)
	fmt.Fprintf(w, "Corrupt:      %d\n", resp.Result.Corrupt)
	fmt.Fprintf(w, "Duration:     %s\n", resp.Result.Duration)
	if resp.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", resp.Error)
	}
	return nil
}

// FormatControl outputs the result of a control operation. Table output
// is a one-line summary built by the caller.
func (f *Formatter) FormatControl(resp *ControlResponse, summary string) error {
	if ok, err := f.structured(resp); ok {
		return err
	}
	PrintSuccess("%s", summary)
	return nil
}

// =============================================================================
// BROKER FORMATTERS
// =============================================================================

// FormatBrokerStats outputs broker statistics.
func (f *Formatter) FormatBrokerStats(stats *BrokerStats) error {
	if ok, err := f.structured(stats); ok {
		return err
	}

	w := f.writer
	fmt.Fprintf(w, "Node ID:          %s\n", stats.NodeID)
	fmt.Fprintf(w, "Uptime:           %s\n", stats.Uptime)
	fmt.Fprintf(w, "Addresses:        %d\n", stats.Addresses)
	fmt.Fprintf(w, "Total Size:       %s\n", formatBytes(stats.TotalSizeBytes))
	fmt.Fprintf(w, "Global Max Size:  %s\n", limitBytes(stats.GlobalMaxSize))
	fmt.Fprintf(w, "Paging:           %d\n", stats.Paging)
	fmt.Fprintf(w, "Blocked:          %d\n", stats.Blocked)
	fmt.Fprintf(w, "Paused:           %d\n", stats.Paused)
	return nil
}

// FormatHealth outputs health status.
func (f *Formatter) FormatHealth(health *HealthResponse) error {
	if ok, err := f.structured(health); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Status:    %s\n", health.Status)
	fmt.Fprintf(f.writer, "Node ID:   %s\n", health.NodeID)
	fmt.Fprintf(f.writer, "Timestamp: %s\n", health.Timestamp)
	return nil
}

// FormatVersion outputs version information.
func (f *Formatter) FormatVersion(info *VersionInfo) error {
	if ok, err := f.structured(info); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Client Version: %s\n", info.ClientVersion)
	if info.ServerVersion != "" {
		fmt.Fprintf(f.writer, "Server Version: %s (%s)\n", info.ServerVersion, info.GoVersion)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// formatBytes formats a byte count as human-readable.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// limitBytes is formatBytes where a non-positive value means no limit.
func limitBytes(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return formatBytes(n)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func addressFlags(info *address.Info) string {
	var flags []string
	if info.AutoCreated {
		flags = append(flags, "auto-created")
	}
	if info.Internal {
		flags = append(flags, "internal")
	}
	if info.Temporary {
		flags = append(flags, "temporary")
	}
	if info.RetroactiveResource {
		flags = append(flags, "retroactive")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ", ")
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintInfo prints an info message.
func PrintInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
