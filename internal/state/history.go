package state

import (
	"time"

	"github.com/google/uuid"
	"github.com/swayspace/swayspace/internal/ipc"
)

const defaultHistoryLimit = 512

// EventRecord is the immutable diagnostic record appended for every
// processed event.
type EventRecord struct {
	ID                string        `json:"id"`
	Kind              ipc.EventKind `json:"kind"`
	Change            string        `json:"change,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	ConID             int64         `json:"conId,omitempty"`
	Class             string        `json:"class,omitempty"`
	Title             string        `json:"title,omitempty"`
	HandlerDuration   time.Duration `json:"handlerDurationNs"`
	AssignedWorkspace int           `json:"assignedWorkspace,omitempty"`
	Marks             []string      `json:"marks,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// eventHistory is a fixed-capacity ring buffer; oldest records are evicted
// first and records are never mutated after append.
type eventHistory struct {
	buf      []EventRecord
	start    int
	count    int
	capacity int
}

func newEventHistory(limit int) *eventHistory {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &eventHistory{
		buf:      make([]EventRecord, limit),
		capacity: limit,
	}
}

func (h *eventHistory) add(record EventRecord) {
	if h.count < h.capacity {
		idx := (h.start + h.count) % h.capacity
		h.buf[idx] = record
		h.count++
		return
	}
	h.buf[h.start] = record
	h.start = (h.start + 1) % h.capacity
}

func (h *eventHistory) snapshot() []EventRecord {
	if h.count == 0 {
		return nil
	}
	out := make([]EventRecord, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%h.capacity]
	}
	return out
}

// AppendEvent fills in record id and timestamp and appends to the ring.
func (t *Tracker) AppendEvent(record EventRecord) EventRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if len(record.Marks) > 0 {
		record.Marks = append([]string(nil), record.Marks...)
	}
	t.mu.Lock()
	t.history.add(record)
	t.mu.Unlock()
	return record
}

// RecentEvents returns up to limit records in receipt order, newest last,
// optionally filtered by event kind. limit <= 0 returns everything buffered.
func (t *Tracker) RecentEvents(limit int, kind ipc.EventKind) []EventRecord {
	t.mu.RLock()
	all := t.history.snapshot()
	t.mu.RUnlock()
	if kind != "" {
		filtered := all[:0]
		for _, rec := range all {
			if rec.Kind == kind {
				filtered = append(filtered, rec)
			}
		}
		all = filtered
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}
