package chatsync

import (
	"sync"
	"time"
)

type outboxState int

const (
	outboxQueued outboxState = iota
	outboxInflight
)

// PendingMessage is an outbound chat message awaiting its echo.
type PendingMessage struct {
	Message   string
	Sender    string
	Receiver  string
	Timestamp int64
	MessageID string

	state      outboxState
	generation uint64
	sentAt     time.Time
}

func (p *PendingMessage) frame() Frame {
	return Frame{
		Message:   textMessage(p.Message),
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		Timestamp: Millis(p.Timestamp),
		MessageID: FlexID(p.MessageID),
	}
}

// outbox is the single ordered send pipeline. An entry is claimed for a
// connection generation before it is written, so no entry is transmitted
// twice on the same connection.
type outbox struct {
	mu      sync.Mutex
	entries []*PendingMessage
	ttl     time.Duration
}

func newOutbox(ttl time.Duration) *outbox {
	return &outbox{ttl: ttl}
}

func (o *outbox) has(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.find(id) >= 0
}

func (o *outbox) find(id string) int {
	for i, p := range o.entries {
		if p.MessageID == id {
			return i
		}
	}
	return -1
}

func (o *outbox) enqueue(p *PendingMessage) {
	o.mu.Lock()
	p.state = outboxQueued
	o.entries = append(o.entries, p)
	o.mu.Unlock()
}

// claim marks the entry inflight on generation gen. It fails when the entry
// is gone or already inflight on gen.
func (o *outbox) claim(id string, gen uint64, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.find(id)
	if i < 0 {
		return false
	}
	p := o.entries[i]
	if p.state == outboxInflight && p.generation >= gen {
		return false
	}
	p.state = outboxInflight
	p.generation = gen
	p.sentAt = now
	return true
}

// release returns a failed write to the queue.
func (o *outbox) release(id string, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.find(id); i >= 0 && o.entries[i].generation == gen {
		o.entries[i].state = outboxQueued
	}
}

// pending returns, in order, the entries generation gen still has to send:
// queued entries and entries inflight on an older connection.
func (o *outbox) pending(gen uint64) []*PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*PendingMessage
	for _, p := range o.entries {
		if p.state == outboxQueued || p.generation < gen {
			out = append(out, p)
		}
	}
	return out
}

// confirm removes the entry a message_sent echo refers to. Frames without a
// message_id are matched on sender, receiver and body, oldest first.
func (o *outbox) confirm(f Frame) (*PendingMessage, bool) {
	return o.match(f, false)
}

// confirmBroadcast removes the entry a room broadcast of our own message
// refers to. Only entries already written to a socket can be echoed.
func (o *outbox) confirmBroadcast(f Frame) (*PendingMessage, bool) {
	return o.match(f, true)
}

func (o *outbox) match(f Frame, sentOnly bool) (*PendingMessage, bool) {
	id := string(f.MessageID)
	sender, receiver, body := f.Sender, f.Receiver, f.Text()
	if f.MessageData != nil {
		if sender == "" {
			sender = f.MessageData.SenderUsername
		}
		if receiver == "" {
			receiver = f.MessageData.Receiver
		}
		if body == "" {
			body = f.MessageData.Content
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	i := -1
	if id != "" {
		i = o.find(id)
	}
	if i >= 0 && sentOnly && o.entries[i].state != outboxInflight {
		i = -1
	}
	if i < 0 && sender != "" {
		for j, p := range o.entries {
			if sentOnly && p.state != outboxInflight {
				continue
			}
			if p.Sender == sender && p.Message == body && (receiver == "" || p.Receiver == receiver) {
				i = j
				break
			}
		}
	}
	if i < 0 {
		return nil, false
	}
	p := o.entries[i]
	o.entries = append(o.entries[:i], o.entries[i+1:]...)
	return p, true
}

// expire drops inflight entries that were never echoed within the ttl.
func (o *outbox) expire(now time.Time) int {
	if o.ttl <= 0 {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.entries[:0]
	dropped := 0
	for _, p := range o.entries {
		if p.state == outboxInflight && now.Sub(p.sentAt) >= o.ttl {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(o.entries); i++ {
		o.entries[i] = nil
	}
	o.entries = kept
	return dropped
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *outbox) queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, p := range o.entries {
		if p.state == outboxQueued {
			n++
		}
	}
	return n
}

// ============================================================================
// Recent-frame ring
// ============================================================================

// dedupRing remembers the last capacity frame keys in FIFO order.
type dedupRing struct {
	mu   sync.Mutex
	keys []string
	next int
	set  map[string]struct{}
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{
		keys: make([]string, 0, capacity),
		set:  make(map[string]struct{}, capacity),
	}
}

// seen records key and reports whether it was already present.
func (r *dedupRing) seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[key]; ok {
		return true
	}
	if len(r.keys) < cap(r.keys) {
		r.keys = append(r.keys, key)
	} else {
		delete(r.set, r.keys[r.next])
		r.keys[r.next] = key
		r.next = (r.next + 1) % len(r.keys)
	}
	r.set[key] = struct{}{}
	return false
}

func (r *dedupRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set)
}
