// =============================================================================
// PUBLISH PATH
// =============================================================================
//
//   Publish(name, msg)
//        │
//        ▼
//   ┌──────────────┐  missing + auto-create   ┌───────────────┐
//   │ lookup       │ ───────────────────────► │ CreateAddress │
//   └──────┬───────┘                          └───────────────┘
//          ▼
//   ┌──────────────┐
//   │ Router.Route │  binding names
//   └──────┬───────┘
//          ▼
//   ┌─────────────────┐  duplicate / unrouted / dropped → done
//   │ Address.Publish │
//   └──────┬──────────┘
//          ▼ delivered or paged
//   ┌────────────────────┐
//   │ RetentionLog.Append│  archive for replay
//   └────────────────────┘
//
// The message is accepted once the address has it. A retention write that
// fails is logged and does not fail the publish: the message is already in
// a queue or a page file.
//
// =============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"addrbroker/internal/address"
	"addrbroker/internal/storage"
)

// Publish routes msg through the named address.
func (b *Broker) Publish(ctx context.Context, name string, msg *address.Message) (address.PublishResult, error) {
	addr, err := b.addressForPublish(name)
	if err != nil {
		return address.PublishResult{}, err
	}

	res, err := addr.Publish(ctx, msg, b.router.Route(msg, addr))
	if err != nil {
		return res, err
	}
	if res.Record != nil {
		b.archive(res.Record)
	}
	return res, nil
}

func (b *Broker) archive(rec *storage.Record) {
	if b.retention == nil {
		return
	}
	if err := b.retention.Append(rec); err != nil {
		b.logger.Warn("failed to archive message",
			"address", rec.Address,
			"messageID", rec.MessageID,
			"sequence", rec.Sequence,
			"error", err)
	}
}

// Consume polls up to max messages from a queue bound to the address.
func (b *Broker) Consume(addressName, queue string, max int) ([]address.Delivery, error) {
	q, err := b.queue(addressName, queue)
	if err != nil {
		return nil, err
	}
	return q.Poll(max)
}

// Ack acknowledges a delivery by tag.
func (b *Broker) Ack(addressName, queue string, tag uint64) error {
	q, err := b.queue(addressName, queue)
	if err != nil {
		return err
	}
	return q.Ack(tag)
}

func (b *Broker) queue(addressName, queue string) (*address.Queue, error) {
	addr, err := b.GetAddress(addressName)
	if err != nil {
		return nil, err
	}
	q, ok := addr.Queue(queue)
	if !ok {
		return nil, address.NewError(address.KindInvalidState, "consume", addressName,
			fmt.Errorf("queue %q not bound", queue))
	}
	return q, nil
}

// =============================================================================
// REPUBLISH (REPLAY TARGET)
// =============================================================================

// OriginalAddressProperty carries the source address of a replayed message.
const OriginalAddressProperty = "_AR_ORIG_ADDRESS"

// blockedPollInterval is how often a republish blocked by the target's flow
// control checks again.
const blockedPollInterval = 10 * time.Millisecond

// republish sends a retained record to target. It is restamped, keeps its
// message and duplicate id, and waits out the target's flow control
// whatever the target's full policy is. A routing override from the
// original publish is dropped so the target routes by its own bindings.
func (b *Broker) republish(ctx context.Context, target string, rec *storage.Record) (address.Outcome, error) {
	msg := address.MessageFromRecord(rec)
	msg.Timestamp = time.Time{}
	props := make(map[string]string, len(msg.Properties)+1)
	for k, v := range msg.Properties {
		if k == RouteToProperty {
			continue
		}
		props[k] = v
	}
	props[OriginalAddressProperty] = rec.Address
	msg.Properties = props

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := b.Publish(ctx, target, msg)
		if err == nil {
			return res.Outcome, nil
		}
		if !errors.Is(err, address.ErrBlocked) {
			return "", err
		}
		if err := b.waitUnblocked(ctx, target); err != nil {
			return "", err
		}
	}
}

func (b *Broker) waitUnblocked(ctx context.Context, name string) error {
	addr, err := b.GetAddress(name)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(blockedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !addr.IsBlocked() {
			return nil
		}
	}
}
