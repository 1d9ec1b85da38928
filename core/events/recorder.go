package events

import (
	"sync"

	"github.com/kellymusk/Aframp-backend/core/types"
)

// StoredEvent is an event together with its position in the node's log.
// Sequences start at 1 and never repeat; mirrors use them as resume cursors.
type StoredEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

const defaultRecorderCapacity = 4096

// Recorder keeps a bounded, sequenced log of committed events and fans them
// out to live subscribers. Only events from committed calls reach the
// recorder; a rolled-back call never appends.
type Recorder struct {
	mu       sync.Mutex
	log      []StoredEvent
	nextSeq  int64
	capacity int
	subs     map[int64]chan StoredEvent
	nextSub  int64
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	return &Recorder{
		nextSeq:  1,
		capacity: capacity,
		subs:     make(map[int64]chan StoredEvent),
	}
}

// Append assigns the next sequence to each event in order and delivers it to
// subscribers. Slow subscribers are skipped rather than blocking the commit
// path; they recover missed events through Since.
func (r *Recorder) Append(evts ...*types.Event) {
	if r == nil || len(evts) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		clone := evt.Clone()
		stored := StoredEvent{
			Sequence:   r.nextSeq,
			Type:       clone.Type,
			Attributes: clone.Attributes,
		}
		r.nextSeq++
		r.log = append(r.log, stored)
		if len(r.log) > r.capacity {
			r.log = r.log[len(r.log)-r.capacity:]
		}
		for _, ch := range r.subs {
			select {
			case ch <- stored:
			default:
			}
		}
	}
}

// Since returns up to limit events with a sequence strictly greater than
// after. A non-positive limit returns everything retained past the cursor.
func (r *Recorder) Since(after int64, limit int) []StoredEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StoredEvent, 0, len(r.log))
	for _, evt := range r.log {
		if evt.Sequence <= after {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LatestSequence reports the sequence of the most recently recorded event,
// or zero when nothing has been recorded.
func (r *Recorder) LatestSequence() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// Subscribe registers a live feed starting after the given cursor. The
// returned backlog covers retained events past the cursor; subsequent events
// arrive on the channel until cancel is called.
func (r *Recorder) Subscribe(after int64, buffer int) (<-chan StoredEvent, func(), []StoredEvent) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StoredEvent, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	backlog := make([]StoredEvent, 0)
	for _, evt := range r.log {
		if evt.Sequence > after {
			backlog = append(backlog, evt)
		}
	}
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
		r.mu.Unlock()
	}
	return ch, cancel, backlog
}
