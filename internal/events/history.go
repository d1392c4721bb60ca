package events

import "sync"

// history keeps the last size dispatched events.
type history struct {
	mu     sync.RWMutex
	events []Event
	pos    int
	count  int
}

func newHistory(size int) *history {
	return &history{events: make([]Event, size)}
}

func (h *history) add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.pos] = e
	h.pos = (h.pos + 1) % len(h.events)
	if h.count < len(h.events) {
		h.count++
	}
}

// query returns, oldest first, the newest limit events with a sequence
// above after that match f. limit <= 0 means no limit.
func (h *history) query(f Filter, after uint64, limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := len(h.events)
	var out []Event
	for i := 0; i < h.count; i++ {
		e := h.events[(h.pos-1-i+size)%size]
		if e.Seq <= after {
			break
		}
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
