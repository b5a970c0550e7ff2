package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Command is the instruction carried by a message file.
type Command string

// Supported commands.
const (
	CommandStart  Command = "START_CRAWL"
	CommandResume Command = "RESUME_CRAWL"
	CommandStop   Command = "STOP_CRAWL"
)

// Message is the body of NameServerMessages.txt and QueueServerMessages.txt.
type Message struct {
	Command   Command         `json:"STATUS"`
	CrawlTime crawl.Timestamp `json:"CRAWL_TIME"`
	CrawlType crawl.CrawlType `json:"CRAWL_TYPE,omitempty"`
	Params    *CrawlParams    `json:"PARAMS,omitempty"`
	IssuedAt  time.Time       `json:"ISSUED_AT"`
}

// Validate checks the message can be acted on.
func (m Message) Validate() error {
	switch m.Command {
	case CommandStart:
		if m.Params == nil {
			return errors.New("start message requires params")
		}
		if err := m.Params.Validate(); err != nil {
			return err
		}
	case CommandResume:
		if m.CrawlTime == 0 {
			return errors.New("resume message requires crawl time")
		}
	case CommandStop:
	default:
		return fmt.Errorf("unknown command %q", m.Command)
	}
	return nil
}

// Mailbox is a single-slot message file. Writing replaces any pending message.
type Mailbox struct {
	records crawl.RecordStore
	name    string
}

// NameServerMailbox carries admin start and stop requests to the producer.
func NameServerMailbox(records crawl.RecordStore) *Mailbox {
	return &Mailbox{records: records, name: crawl.NameServerMessagesName}
}

// QueueServerMailbox carries restart signals issued by the supervisor.
func QueueServerMailbox(records crawl.RecordStore) *Mailbox {
	return &Mailbox{records: records, name: crawl.QueueServerMessagesName}
}

// Name is the record the mailbox is stored in.
func (m *Mailbox) Name() string { return m.name }

// Read returns the pending message, if any.
func (m *Mailbox) Read(ctx context.Context) (Message, bool, error) {
	data, err := m.records.Get(ctx, m.name)
	if errors.Is(err, crawl.ErrNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("read %s: %w", m.name, err)
	}
	if len(data) == 0 {
		return Message{}, false, nil
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false, fmt.Errorf("decode %s: %w", m.name, err)
	}
	return msg, true, nil
}

// Write validates and stores msg.
func (m *Mailbox) Write(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := m.records.Put(ctx, m.name, data); err != nil {
		return fmt.Errorf("write %s: %w", m.name, err)
	}
	return nil
}

// Delete clears the mailbox.
func (m *Mailbox) Delete(ctx context.Context) error {
	if err := m.records.Delete(ctx, m.name); err != nil {
		return fmt.Errorf("delete %s: %w", m.name, err)
	}
	return nil
}

// Stop halts crawl ts: the status record stops naming it, and its heartbeat
// marker, the archive lease file and the pending name server message are
// removed. Leases held in other backends expire on their own.
func Stop(ctx context.Context, tracker *Tracker, records crawl.RecordStore, ts crawl.Timestamp) error {
	if err := tracker.ClearCrawlTime(ctx); err != nil {
		return err
	}
	if ts != 0 {
		if err := records.Delete(ctx, crawl.IndexClosedName(ts)); err != nil {
			return fmt.Errorf("delete index closed marker: %w", err)
		}
	}
	if err := records.Delete(ctx, crawl.ArchiveLeaseName); err != nil {
		return fmt.Errorf("delete archive lease: %w", err)
	}
	return NameServerMailbox(records).Delete(ctx)
}
