// Package messaging implements the per-agent ordered inbox bus (§4.4):
// at-most-once delivery with explicit acknowledgement, strict FIFO
// ordering within a (priority, recipient) stream, and a background
// retention sweeper. Durability is delegated entirely to store.Store;
// delivery marks are process-local, matching the spec's explicit
// choice that a crash between receive and acknowledge re-exposes a
// message as delivered-unread. Grounded in coordinator/messages.go's
// typed envelope and statemanager's windowed eviction idiom.
package messaging

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/store"
)

// Priority is one of four delivery priorities; higher drains first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 3,
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// MessageState is which of the three mutually exclusive states a
// message is in.
type MessageState string

const (
	StateQueued       MessageState = "queued"
	StateDelivered    MessageState = "delivered"
	StateAcknowledged MessageState = "acknowledged"
)

// Message is one entry in a recipient's inbox.
type Message struct {
	ID             string       `json:"id"`
	Sender         string       `json:"sender"`
	Recipient      string       `json:"recipient"`
	Priority       Priority     `json:"priority"`
	ContentType    string       `json:"content_type"`
	Body           []byte       `json:"body"`
	CreatedAt      time.Time    `json:"created_at"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
	State          MessageState `json:"state"`
}

// Counts summarizes a recipient's inbox by message state.
type Counts struct {
	Queued       int
	Delivered    int
	Acknowledged int
}

const namespace = "messages"

// Bus is the messaging service.
type Bus struct {
	st              store.Store
	clk             clock.Clock
	retentionWindow time.Duration

	mu        sync.Mutex
	delivered map[string]map[string]bool // recipient -> message id -> delivered (process-local)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config configures a Bus.
type Config struct {
	RetentionWindow time.Duration // default 7 days
	SweepInterval   time.Duration // default 1 minute, floor of 1 minute enforced
}

// New constructs a Bus over st.
func New(st store.Store, clk clock.Clock, cfg Config) *Bus {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 7 * 24 * time.Hour
	}
	if cfg.SweepInterval < time.Minute {
		cfg.SweepInterval = time.Minute
	}
	b := &Bus{
		st:              st,
		clk:             clk,
		retentionWindow: cfg.RetentionWindow,
		delivered:       make(map[string]map[string]bool),
		stopCh:          make(chan struct{}),
	}
	b.wg.Add(1)
	go b.sweepLoop(cfg.SweepInterval)
	return b
}

// Close stops the retention sweeper.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Bus) sweepLoop(interval time.Duration) {
	defer b.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-t.C:
			_ = b.sweep()
		}
	}
}

func (b *Bus) sweep() error {
	recs, err := b.st.Scan(context.Background(), namespace, "", b.clk.Now())
	if err != nil {
		return err
	}
	cutoff := b.clk.Now().Add(-b.retentionWindow)
	for _, rec := range recs {
		var m Message
		if json.Unmarshal(rec.Value, &m) != nil {
			continue
		}
		if m.State == StateAcknowledged && m.AcknowledgedAt != nil && m.AcknowledgedAt.Before(cutoff) {
			_, _ = b.st.Delete(context.Background(), namespace, rec.Key)
		}
	}
	return nil
}

func messageKey(recipient, id string) string {
	return recipient + "/" + id
}

// Send enqueues body for recipient from sender at the given priority,
// returning a content-addressed message id. Sending with an id that
// already exists is a no-op (idempotent).
func (b *Bus) Send(ctx context.Context, sender, recipient string, body []byte, contentType string, priority Priority) (string, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	now := b.clk.Now()
	id := clock.Fingerprint(sender, now.Format(time.RFC3339Nano), string(body))

	if _, ok, err := b.st.Get(ctx, namespace, messageKey(recipient, id)); err == nil && ok {
		return id, nil
	}

	m := Message{
		ID:          id,
		Sender:      sender,
		Recipient:   recipient,
		Priority:    priority,
		ContentType: contentType,
		Body:        body,
		CreatedAt:   now,
		State:       StateQueued,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", kerrors.Wrap(kerrors.KindStorage, "marshal message", err)
	}
	if err := b.st.Put(ctx, namespace, messageKey(recipient, id), data, 0); err != nil {
		return "", kerrors.Wrap(kerrors.KindStorage, "enqueue message", err)
	}
	return id, nil
}

func (b *Bus) inboxFor(ctx context.Context, recipient string) ([]Message, error) {
	recs, err := b.st.Scan(ctx, namespace, recipient+"/", b.clk.Now())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "scan inbox", err)
	}
	msgs := make([]Message, 0, len(recs))
	for _, rec := range recs {
		var m Message
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		ri, rj := priorityRank[msgs[i].Priority], priorityRank[msgs[j].Priority]
		if ri != rj {
			return ri > rj
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// Receive returns queued or already-delivered-but-unacknowledged
// messages for recipient, up to max (0 meaning unbounded), in inbox
// order, marking them delivered when markDelivered is true.
//
// The delivered mark is process-local, not persisted: only enqueue
// and acknowledge are durable. A crash between Receive and Acknowledge
// loses the mark, so the message is handed out again as
// delivered-unread on restart, per the bus's at-most-once contract.
func (b *Bus) Receive(ctx context.Context, recipient string, max int, markDelivered bool) ([]Message, error) {
	msgs, err := b.inboxFor(ctx, recipient)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	recipientDelivered := b.delivered[recipient]
	if recipientDelivered == nil {
		recipientDelivered = make(map[string]bool)
		b.delivered[recipient] = recipientDelivered
	}
	b.mu.Unlock()

	var out []Message
	for _, m := range msgs {
		if m.State == StateAcknowledged {
			continue
		}
		if recipientDelivered[m.ID] {
			m.State = StateDelivered
		}
		out = append(out, m)
		if max > 0 && len(out) >= max {
			break
		}
	}
	if markDelivered {
		b.mu.Lock()
		for _, m := range out {
			recipientDelivered[m.ID] = true
		}
		b.mu.Unlock()
	}
	return out, nil
}

// Peek is Receive without marking anything delivered.
func (b *Bus) Peek(ctx context.Context, recipient string) ([]Message, error) {
	return b.Receive(ctx, recipient, 0, false)
}

func (b *Bus) persist(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal message", err)
	}
	if err := b.st.Put(ctx, namespace, messageKey(m.Recipient, m.ID), data, 0); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "persist message", err)
	}
	return nil
}

// Acknowledge moves a delivered message to acknowledged.
func (b *Bus) Acknowledge(ctx context.Context, recipient, id string) error {
	rec, ok, err := b.st.Get(ctx, namespace, messageKey(recipient, id))
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "get message", err)
	}
	if !ok {
		return kerrors.New(kerrors.KindNotFound, "message "+id+" not found for "+recipient)
	}
	var m Message
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "decode message", err)
	}
	now := b.clk.Now()
	m.State = StateAcknowledged
	m.AcknowledgedAt = &now
	return b.persist(ctx, m)
}

// Clear deletes messages for recipient, optionally only those older
// than olderThan (zero meaning all).
func (b *Bus) Clear(ctx context.Context, recipient string, olderThan time.Duration) (int, error) {
	msgs, err := b.inboxFor(ctx, recipient)
	if err != nil {
		return 0, err
	}
	n := 0
	cutoff := b.clk.Now().Add(-olderThan)
	for _, m := range msgs {
		if olderThan > 0 && !m.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := b.st.Delete(ctx, namespace, messageKey(recipient, m.ID)); err != nil {
			return n, kerrors.Wrap(kerrors.KindStorage, "clear message", err)
		}
		n++
	}
	return n, nil
}

// CountsFor reports the state breakdown for recipient. The persisted
// record only ever distinguishes queued from acknowledged (delivery
// is a process-local mark, never written back to the store), so a
// queued message already present in the process-local delivered set
// is reclassified as delivered here.
func (b *Bus) CountsFor(ctx context.Context, recipient string) (Counts, error) {
	msgs, err := b.inboxFor(ctx, recipient)
	if err != nil {
		return Counts{}, err
	}
	b.mu.Lock()
	recipientDelivered := b.delivered[recipient]
	b.mu.Unlock()

	var c Counts
	for _, m := range msgs {
		switch m.State {
		case StateAcknowledged:
			c.Acknowledged++
		case StateDelivered:
			c.Delivered++
		default:
			if recipientDelivered[m.ID] {
				c.Delivered++
			} else {
				c.Queued++
			}
		}
	}
	return c, nil
}
