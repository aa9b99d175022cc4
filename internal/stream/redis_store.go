package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const eventField = "event"

// RedisStore keeps the per-dialog event log in a Redis Stream per dialog,
// making replay work across horizontally scaled instances. Event ids are the
// native stream entry ids, which Redis guarantees strictly increasing per
// stream.
type RedisStore struct {
	rdb       redis.UniversalClient
	retention int64
	tail      int64
	prefix    string
}

// NewRedisStore wraps rdb as a Store. Streams are capped near retention
// entries (approximate trimming, which is what XADD MAXLEN ~ gives us) and
// cursor-less replays return at most tail recent entries.
func NewRedisStore(rdb redis.UniversalClient, retention, tail int) *RedisStore {
	if retention < 1 {
		retention = 1
	}
	if tail < 0 {
		tail = 0
	}
	return &RedisStore{
		rdb:       rdb,
		retention: int64(retention),
		tail:      int64(tail),
		prefix:    "handoff:dialog:",
	}
}

func (s *RedisStore) key(dialogID string) string {
	return s.prefix + dialogID + ":events"
}

// Append writes the event to the dialog's stream and returns it with the
// Redis-assigned id.
func (s *RedisStore) Append(ctx context.Context, ev Event) (Event, error) {
	body, err := ev.Encode()
	if err != nil {
		return Event{}, err
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(ev.DialogID),
		MaxLen: s.retention,
		Approx: true,
		Values: map[string]any{eventField: string(body)},
	}).Result()
	if err != nil {
		return Event{}, fmt.Errorf("xadd %s: %w", s.key(ev.DialogID), err)
	}
	ev.ID = id
	return ev, nil
}

// Replay reads entries after sinceID from the dialog's stream. An empty or
// invalid cursor falls back to the recent tail, same contract as MemoryStore.
func (s *RedisStore) Replay(ctx context.Context, dialogID, sinceID string, limit int) ([]Event, error) {
	key := s.key(dialogID)

	var (
		msgs []redis.XMessage
		err  error
	)
	if sinceID == "" {
		n := s.tail
		if limit > 0 && int64(limit) < n {
			n = int64(limit)
		}
		if n == 0 {
			return nil, nil
		}
		msgs, err = s.rdb.XRevRangeN(ctx, key, "+", "-", n).Result()
		if err != nil {
			return nil, fmt.Errorf("xrevrange %s: %w", key, err)
		}
		// XREVRANGE returns newest first.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	} else {
		// "(" makes the start exclusive so the cursor entry itself is not
		// resent. An id Redis cannot parse surfaces as an error; treat it
		// as a missing cursor rather than failing the connection.
		msgs, err = s.rdb.XRange(ctx, key, "("+sinceID, "+").Result()
		if err != nil {
			return s.Replay(ctx, dialogID, "", limit)
		}
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
	}

	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[eventField].(string)
		if !ok {
			continue
		}
		ev, derr := Decode([]byte(raw))
		if derr != nil {
			continue
		}
		// The authoritative id is the stream entry id, not whatever was
		// serialized before XADD assigned one.
		ev.ID = m.ID
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
