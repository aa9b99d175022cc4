package ws

import (
	"strconv"
	"strings"
	"sync"

	"github.com/tbourn/go-handoff-backend/internal/stream"
)

// replayGate serializes one connection's transition from backlog replay to
// live fan-out. The registry can fan out a freshly published event while the
// connection is still replaying its backlog; delivering it immediately would
// put it ahead of older replayed events, and a client that advances its
// cursor on it would never see the backlog at all. The gate buffers live
// events until replay finishes, then flushes the buffer minus everything the
// replay already covered, tracked as the high-water mark of delivered ids.
type replayGate struct {
	mu        sync.Mutex
	replaying bool
	buffered  []stream.Event
	// lastID is the highest event id delivered on this connection.
	lastID string
}

func newReplayGate() *replayGate { return &replayGate{replaying: true} }

// hold reports whether a live event must not be delivered right now: during
// replay it is buffered for the flush, afterwards events at or below the
// high-water mark are absorbed as duplicates. A false return advances the
// mark; the caller delivers the event.
func (g *replayGate) hold(ev stream.Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.replaying {
		g.buffered = append(g.buffered, ev)
		return true
	}
	if g.coveredLocked(ev.ID) {
		return true
	}
	g.lastID = ev.ID
	return false
}

// mark records an id delivered by the replay loop.
func (g *replayGate) mark(id string) {
	g.mu.Lock()
	if !g.coveredLocked(id) {
		g.lastID = id
	}
	g.mu.Unlock()
}

// goLive ends the replay phase: buffered live events beyond the high-water
// mark go out through deliver, oldest first. deliver runs under the gate
// lock so a concurrent fan-out cannot jump ahead of the flush.
func (g *replayGate) goLive(deliver func(stream.Event) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range g.buffered {
		if g.coveredLocked(ev.ID) {
			continue
		}
		if !deliver(ev) {
			break
		}
		g.lastID = ev.ID
	}
	g.buffered = nil
	g.replaying = false
}

func (g *replayGate) coveredLocked(id string) bool {
	return g.lastID != "" && compareEventIDs(id, g.lastID) <= 0
}

// compareEventIDs orders two stream event ids: dash-separated unsigned
// segments, compared numerically segment by segment. This covers both the
// memory store's bare sequence numbers and Redis stream ids (ms-seq).
// Unparsable ids fall back to byte order.
func compareEventIDs(a, b string) int {
	as, bs := strings.Split(a, "-"), strings.Split(b, "-")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.ParseUint(as[i], 10, 64)
		bn, berr := strconv.ParseUint(bs[i], 10, 64)
		if aerr != nil || berr != nil {
			return strings.Compare(a, b)
		}
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
