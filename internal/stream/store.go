package stream

import (
	"context"
	"strconv"
	"sync"
)

// Store is the bounded, replayable per-dialog event log.
//
// Append assigns a strictly increasing per-dialog id and trims the log past
// the retention cap. Replay returns events with id > sinceID in id order;
// when sinceID is empty or unknown it returns only a small recent tail, which
// bounds the cost of first-time connections.
type Store interface {
	Append(ctx context.Context, ev Event) (Event, error)
	Replay(ctx context.Context, dialogID, sinceID string, limit int) ([]Event, error)
}

// MemoryStore is the in-process Store used for single-instance deployments
// and tests. Retention and the no-cursor tail size are fixed at construction.
type MemoryStore struct {
	retention int
	tail      int

	mu   sync.RWMutex
	logs map[string]*dialogLog
}

type dialogLog struct {
	nextSeq uint64
	events  []Event // oldest first, len <= retention
}

// NewMemoryStore constructs a MemoryStore with the given per-dialog
// retention cap and recent-tail size. Values < 1 are coerced to sane
// minimums.
func NewMemoryStore(retention, tail int) *MemoryStore {
	if retention < 1 {
		retention = 1
	}
	if tail < 0 {
		tail = 0
	}
	if tail > retention {
		tail = retention
	}
	return &MemoryStore{
		retention: retention,
		tail:      tail,
		logs:      map[string]*dialogLog{},
	}
}

// Append assigns the next per-dialog id to ev, stores it, and evicts the
// oldest entries beyond the retention cap.
func (s *MemoryStore) Append(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lg := s.logs[ev.DialogID]
	if lg == nil {
		lg = &dialogLog{nextSeq: 1}
		s.logs[ev.DialogID] = lg
	}
	ev.ID = strconv.FormatUint(lg.nextSeq, 10)
	lg.nextSeq++

	lg.events = append(lg.events, ev)
	if over := len(lg.events) - s.retention; over > 0 {
		lg.events = append(lg.events[:0:0], lg.events[over:]...)
	}
	return ev, nil
}

// Replay returns events with id > sinceID in id order, capped at limit
// (limit <= 0 means no cap beyond retention). An empty or unparsable
// sinceID yields the recent tail only.
func (s *MemoryStore) Replay(ctx context.Context, dialogID, sinceID string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	lg := s.logs[dialogID]
	if lg == nil || len(lg.events) == 0 {
		return nil, nil
	}

	since, ok := parseSeq(sinceID)
	if !ok {
		// No usable cursor: serve the recent tail so a brand-new client
		// gets context without paying for the whole log.
		start := len(lg.events) - s.tail
		if start < 0 {
			start = 0
		}
		return clipEvents(lg.events[start:], limit), nil
	}

	// Binary-search-free scan: logs are small (bounded by retention).
	var out []Event
	for _, ev := range lg.events {
		seq, _ := parseSeq(ev.ID)
		if seq > since {
			out = append(out, ev)
		}
	}
	return clipEvents(out, limit), nil
}

func clipEvents(evs []Event, limit int) []Event {
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	if len(evs) == 0 {
		return nil
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

func parseSeq(id string) (uint64, bool) {
	if id == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
