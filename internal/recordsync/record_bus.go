package recordsync

import (
	"sync"
	"time"

	"hush-chat/go-keycore/pkg/models"
)

// RecordEnvelope is the unit the sync layer moves: one wrapped-key record
// plus routing. The payload stays opaque to every relay on the path.
type RecordEnvelope struct {
	ID        string                  `json:"id"`
	SenderID  string                  `json:"sender_id"`
	Recipient string                  `json:"recipient"`
	Record    models.WrappedKeyRecord `json:"record"`
}

// busHistoryLimit caps the replay log the mock transport keeps to emulate
// store retrieval.
const busHistoryLimit = 256

type busEntry struct {
	env    RecordEnvelope
	sentAt time.Time
}

type recordBus struct {
	mu          sync.Mutex
	subscribers map[string]func(RecordEnvelope)
	mailbox     map[string][]RecordEnvelope
	history     []busEntry
}

var globalBus = &recordBus{
	subscribers: make(map[string]func(RecordEnvelope)),
	mailbox:     make(map[string][]RecordEnvelope),
}

func (b *recordBus) publish(env RecordEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, busEntry{env: env, sentAt: time.Now()})
	if len(b.history) > busHistoryLimit {
		b.history = b.history[len(b.history)-busHistoryLimit:]
	}
	if handler, ok := b.subscribers[env.Recipient]; ok {
		go handler(env)
		return
	}
	b.mailbox[env.Recipient] = append(b.mailbox[env.Recipient], env)
}

// fetchSince replays the retained log the way a store node would answer a
// catch-up query.
func (b *recordBus) fetchSince(recipient string, since time.Time, limit int) []RecordEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RecordEnvelope, 0, limit)
	for _, entry := range b.history {
		if entry.env.Recipient != recipient || entry.sentAt.Before(since) {
			continue
		}
		out = append(out, entry.env)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (b *recordBus) subscribe(recipient string, handler func(RecordEnvelope)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]RecordEnvelope(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (b *recordBus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}
