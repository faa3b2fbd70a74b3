package address

import (
	"time"

	"addrbroker/internal/storage"
)

// Message is what producers publish to an address.
type Message struct {
	ID          string            `json:"id,omitempty"`
	DuplicateID []byte            `json:"duplicate_id,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Body        []byte            `json:"body"`
	Durable     bool              `json:"durable"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Record converts the message into its stored form.
func (m *Message) Record(address string, seq uint64, queues []string) *storage.Record {
	rec := &storage.Record{
		Sequence:    seq,
		Timestamp:   m.Timestamp.UnixNano(),
		MessageID:   m.ID,
		Address:     address,
		DuplicateID: m.DuplicateID,
		Queues:      queues,
		Properties:  m.Properties,
		Body:        m.Body,
	}
	if m.Durable {
		rec.Flags |= storage.FlagDurable
	}
	return rec
}

// MessageFromRecord rebuilds a message from a page or retention record.
func MessageFromRecord(rec *storage.Record) *Message {
	return &Message{
		ID:          rec.MessageID,
		DuplicateID: rec.DuplicateID,
		Properties:  rec.Properties,
		Body:        rec.Body,
		Durable:     rec.Durable(),
		Timestamp:   time.Unix(0, rec.Timestamp).UTC(),
	}
}

// Delivery is a message handed to a consumer, acknowledged by Tag.
type Delivery struct {
	Tag      uint64   `json:"tag"`
	Queue    string   `json:"queue"`
	Sequence uint64   `json:"sequence"`
	Paged    bool     `json:"paged"`
	Message  *Message `json:"message"`
}

// Outcome is what a publish did with the message.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomePaged     Outcome = "paged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnrouted  Outcome = "unrouted"
	OutcomeDropped   Outcome = "dropped"
)

// PublishResult reports one publish.
type PublishResult struct {
	MessageID string  `json:"message_id,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Sequence  uint64  `json:"sequence,omitempty"`
	Queues    int     `json:"queues"`
	PageID    int64   `json:"page_id"`
	Size      int64   `json:"size"`

	// Record is the stored form; nil unless the message was delivered or
	// paged. The broker archives it to the retention log.
	Record *storage.Record `json:"-"`
}
