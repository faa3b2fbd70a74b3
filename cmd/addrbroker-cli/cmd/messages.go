// =============================================================================
// MESSAGE COMMANDS - PUBLISH, CONSUME, BIND
// =============================================================================
//
// COMMANDS:
//   addrbroker-cli publish <address> -m <body>         Publish
//   addrbroker-cli publish <address> -f messages.jsonl Publish from file
//   addrbroker-cli consume <address> <queue>           Read (and ack)
//   addrbroker-cli bind <address> <queue>              Bind a queue
//   addrbroker-cli bind <address> <queue> --remove     Unbind a queue
//
// =============================================================================

package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"addrbroker/internal/cli"
)

// =============================================================================
// PUBLISH
// =============================================================================

var (
	publishMessage     string
	publishID          string
	publishDuplicateID string
	publishProperties  []string
	publishDurable     bool
	publishFile        string
)

var publishCmd = &cobra.Command{
	Use:     "publish <address>",
	Aliases: []string{"produce", "send"},
	Short:   "Publish messages to an address",
	Long: `Publish messages to an address.

The per-message outcome shows what flow control did with it: delivered,
paged, duplicate, unrouted or dropped. A refused message reports its error
kind (Blocked, CapacityExceeded, ...).

Flags:
  -m, --message        Message body
  --id                 Message ID
  --duplicate-id       Duplicate-detection ID
  -p, --property       key=value property (repeatable)
  --durable            Persist the message in the journal
  -f, --file           JSON lines file, one message object per line

Examples:
  addrbroker-cli publish orders -m '{"id": 1}' --durable
  addrbroker-cli publish orders -m "hi" --duplicate-id order-1 -p color=red
  addrbroker-cli publish orders -f messages.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishMessage, "message", "m", "", "Message body")
	publishCmd.Flags().StringVar(&publishID, "id", "", "Message ID")
	publishCmd.Flags().StringVar(&publishDuplicateID, "duplicate-id", "", "Duplicate-detection ID")
	publishCmd.Flags().StringArrayVarP(&publishProperties, "property", "p", nil, "key=value property")
	publishCmd.Flags().BoolVar(&publishDurable, "durable", false, "Persist the message")
	publishCmd.Flags().StringVarP(&publishFile, "file", "f", "", "JSON lines file of messages")
}

func runPublish(cmd *cobra.Command, args []string) error {
	var messages []cli.PublishMessage

	switch {
	case publishFile != "":
		var err error
		messages, err = readMessagesFile(publishFile)
		if err != nil {
			return handleError(err)
		}
	case cmd.Flags().Changed("message"):
		props, err := parseProperties(publishProperties)
		if err != nil {
			return handleError(err)
		}
		messages = []cli.PublishMessage{{
			ID:          publishID,
			DuplicateID: publishDuplicateID,
			Properties:  props,
			Body:        publishMessage,
			Durable:     publishDurable,
		}}
	default:
		cli.PrintError("one of --message or --file is required")
		return cmd.Usage()
	}

	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.Publish(ctx, args[0], messages)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatPublishResults(resp)
}

// readMessagesFile reads one JSON message object per line. Blank lines are
// skipped.
func readMessagesFile(path string) ([]cli.PublishMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []cli.PublishMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var m cli.PublishMessage
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: no messages", path)
	}
	return messages, nil
}

func parseProperties(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	props := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", kv)
		}
		props[k] = v
	}
	return props, nil
}

// =============================================================================
// CONSUME
// =============================================================================

var (
	consumeMax    int
	consumeAck    bool
	consumeFollow bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume <address> <queue>",
	Short: "Read messages from a bound queue",
	Long: `Read messages from a queue bound to an address.

Paged messages are delivered once the in-memory backlog drains. A paused
address returns nothing until it is resumed.

Flags:
  -n, --max      Maximum deliveries per poll (default 10)
  --ack          Acknowledge what was read
  --follow       Keep polling until interrupted

Examples:
  addrbroker-cli consume orders q1
  addrbroker-cli consume orders q1 --ack --follow`,
	Args: cobra.ExactArgs(2),
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().IntVarP(&consumeMax, "max", "n", 10, "Maximum deliveries per poll")
	consumeCmd.Flags().BoolVar(&consumeAck, "ack", false, "Acknowledge deliveries")
	consumeCmd.Flags().BoolVar(&consumeFollow, "follow", false, "Keep polling")
}

func runConsume(cmd *cobra.Command, args []string) error {
	addr, queue := args[0], args[1]

	for {
		ctx, cancel := getContext()
		resp, err := client.Consume(ctx, addr, queue, consumeMax)
		if err != nil {
			cancel()
			return handleError(err)
		}

		if len(resp.Deliveries) > 0 || !consumeFollow {
			if err := formatter.FormatDeliveries(resp); err != nil {
				cancel()
				return err
			}
		}

		if consumeAck && len(resp.Deliveries) > 0 {
			tags := make([]uint64, len(resp.Deliveries))
			for i, d := range resp.Deliveries {
				tags[i] = d.Tag
			}
			if _, err := client.Ack(ctx, addr, queue, tags); err != nil {
				cancel()
				return handleError(err)
			}
		}
		cancel()

		if !consumeFollow {
			return nil
		}
		if len(resp.Deliveries) == 0 {
			time.Sleep(500 * time.Millisecond)
		}
	}
}

// =============================================================================
// BIND
// =============================================================================

var (
	bindRemote bool
	bindRemove bool
)

var bindCmd = &cobra.Command{
	Use:   "bind <address> <queue>",
	Short: "Bind or unbind a queue",
	Long: `Bind a queue to an address, or remove the binding with --remove.

Binding to an address that does not exist creates it when the broker
auto-creates addresses.

Examples:
  addrbroker-cli bind orders q1
  addrbroker-cli bind orders mirror --remote
  addrbroker-cli bind orders q1 --remove`,
	Args: cobra.ExactArgs(2),
	RunE: runBind,
}

func init() {
	bindCmd.Flags().BoolVar(&bindRemote, "remote", false, "Binding is a remote queue")
	bindCmd.Flags().BoolVar(&bindRemove, "remove", false, "Remove the binding")
}

func runBind(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	addr, queue := args[0], args[1]
	if bindRemove {
		if err := client.Unbind(ctx, addr, queue); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Queue %q unbound from %q", queue, addr)
		return nil
	}
	if err := client.Bind(ctx, addr, queue, bindRemote); err != nil {
		return handleError(err)
	}
	cli.PrintSuccess("Queue %q bound to %q", queue, addr)
	return nil
}
