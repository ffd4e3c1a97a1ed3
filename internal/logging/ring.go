package logging

import (
	"sync"
	"time"
)

const defaultRingSize = 2000

// Entry is one captured log line, shaped for the /api/logs JSON payload.
type Entry struct {
	Time      time.Time `json:"ts"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Message   string    `json:"msg"`
}

// Ring keeps the most recent log entries in memory and fans them out to
// live subscribers (the SSE stream).
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	subs    map[int]chan Entry
	nextSub int
}

// NewRing creates a ring holding at most size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Ring{size: size, subs: make(map[int]chan Entry)}
}

// Append stores an entry, evicting the oldest when full, and notifies
// subscribers without blocking.
func (r *Ring) Append(entry Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.size {
		r.entries = r.entries[len(r.entries)-r.size:]
	}
	for _, ch := range r.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	r.mu.Unlock()
}

// Fetch returns up to limit most recent entries matching the level floor and
// optional task id, oldest first.
func (r *Ring) Fetch(limit int, minLevel Level, taskID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for i := len(r.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := r.entries[i]
		if ParseLevel(e.Level) < minLevel {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe returns a channel receiving future entries and a cancel func.
func (r *Ring) Subscribe() (<-chan Entry, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Entry, 256)
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
