// =============================================================================
// ADDRESS CONTROL - MANAGEMENT OPERATIONS THAT NEED THE BROKER
// =============================================================================
//
// address.Control covers what an address can do on its own. Two operations
// need more than the address:
//
//   replay       reads the shared retention log and republishes to another
//                address through the router
//   sendMessage  publishes a management-supplied message through the router
//
// AddressControl layers those two on top of the address.
//
// =============================================================================

package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"addrbroker/internal/address"
	"addrbroker/internal/replay"
)

// MessageTypeProperty carries the numeric type given to SendMessage.
const MessageTypeProperty = "_AR_TYPE"

// AddressControl is the full management surface of one address.
type AddressControl struct {
	*address.Address
	broker *Broker
}

var _ address.Control = (*AddressControl)(nil)

// Control returns the management surface of an address.
func (b *Broker) Control(name string) (*AddressControl, error) {
	addr, err := b.GetAddress(name)
	if err != nil {
		return nil, err
	}
	return &AddressControl{Address: addr, broker: b}, nil
}

// Replay republishes retained messages of this address to spec.Target and
// returns how many were republished.
func (c *AddressControl) Replay(ctx context.Context, spec replay.Spec) (replay.Result, error) {
	return c.broker.Replay(ctx, c.Name(), spec)
}

// SendMessageRequest is a management-supplied message.
type SendMessageRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Type    int               `json:"type,omitempty"`

	// Body is base64 encoded.
	Body    string `json:"body,omitempty"`
	Durable bool   `json:"durable,omitempty"`

	// User and Password are accepted for compatibility and not checked.
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	CreateMessageID bool `json:"create_message_id,omitempty"`
}

// SendMessage publishes a message to this address and returns its id,
// which is empty unless CreateMessageID was set.
func (c *AddressControl) SendMessage(ctx context.Context, req SendMessageRequest) (string, error) {
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", address.NewError(address.KindInvalidState, "send message", c.Name(),
			fmt.Errorf("body is not base64: %w", err))
	}

	props := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		props[k] = v
	}
	if req.Type != 0 {
		props[MessageTypeProperty] = strconv.Itoa(req.Type)
	}

	msg := &address.Message{
		Properties: props,
		Body:       body,
		Durable:    req.Durable,
	}
	if req.CreateMessageID {
		msg.ID = uuid.NewString()
	}

	if _, err := c.broker.Publish(ctx, c.Name(), msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// =============================================================================
// REPLAY
// =============================================================================

// Replay republishes retained messages of source to spec.Target. The
// active retention segment is sealed first so everything archived before
// the call is visible.
func (b *Broker) Replay(ctx context.Context, source string, spec replay.Spec) (replay.Result, error) {
	if b.retention == nil {
		return replay.Result{}, address.NewError(address.KindInvalidState, "replay", source, ErrRetentionDisabled)
	}
	if _, err := b.GetAddress(source); err != nil {
		return replay.Result{}, err
	}
	if _, err := b.GetAddress(spec.Target); err != nil {
		if !errors.Is(err, ErrAddressNotFound) || !b.config.AutoCreateAddresses {
			return replay.Result{}, err
		}
	}

	if err := b.retention.Roll(); err != nil {
		return replay.Result{}, &address.Error{
			Kind:    address.KindSegmentUnavailable,
			Op:      "replay roll",
			Address: source,
			PageID:  address.NoPage,
			Err:     err,
		}
	}
	res, err := b.replayEngine(source).Replay(ctx, spec)
	if b.config.ReplayObserver != nil {
		b.config.ReplayObserver.ReplayFinished(source, res, err)
	}
	return res, err
}

// ReplayObserver is told about every finished replay run.
type ReplayObserver interface {
	ReplayFinished(source string, res replay.Result, err error)
}

func (b *Broker) replayEngine(source string) *replay.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.replays[source]; ok {
		return e
	}
	opts := []replay.Option{replay.WithLogger(b.logger)}
	if b.config.TracerProvider != nil {
		opts = append(opts, replay.WithTracerProvider(b.config.TracerProvider))
	}
	e := replay.NewEngine(source, b.retention, replay.PublisherFunc(b.republish), opts...)
	b.replays[source] = e
	return e
}

// ReplayState returns the state of an address's replay engine.
func (b *Broker) ReplayState(source string) replay.State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e, ok := b.replays[source]; ok {
		return e.State()
	}
	return replay.StateIdle
}
