package chathub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peersupport/backend/internal/storage"

	"github.com/redis/go-redis/v9"
)

// Sequencer hands out the position of the next message in a session.
// Sequence numbers and timestamps are both strictly increasing per session
// and continue from the last persisted message after a restart.
type Sequencer interface {
	Next(ctx context.Context, roomID string, now time.Time) (int64, time.Time, error)
	Forget(roomID string)
}

// stamp truncates to the precision every supported store keeps.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type seqState struct {
	mu     sync.Mutex
	loaded bool
	seq    int64
	last   time.Time
}

// LocalSequencer keeps counters in memory. It is correct as long as a
// session's messages are all sequenced by one node.
type LocalSequencer struct {
	store storage.Storage

	mu    sync.Mutex
	rooms map[string]*seqState
}

func NewLocalSequencer(store storage.Storage) *LocalSequencer {
	return &LocalSequencer{store: store, rooms: make(map[string]*seqState)}
}

var _ Sequencer = (*LocalSequencer)(nil)

func (s *LocalSequencer) state(roomID string) *seqState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[roomID]
	if !ok {
		st = &seqState{}
		s.rooms[roomID] = st
	}
	return st
}

func (s *LocalSequencer) Next(ctx context.Context, roomID string, now time.Time) (int64, time.Time, error) {
	st := s.state(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		last, err := s.store.LastMessage(ctx, roomID)
		if err != nil {
			return 0, time.Time{}, err
		}
		if last != nil {
			st.seq = last.Seq
			st.last = stamp(last.SentAt)
		}
		st.loaded = true
	}

	sentAt := stamp(now)
	if !sentAt.After(st.last) {
		sentAt = st.last.Add(time.Microsecond)
	}
	st.seq++
	st.last = sentAt
	return st.seq, sentAt, nil
}

func (s *LocalSequencer) Forget(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// nextScript advances a session counter atomically. When the key is missing
// and no initial values are given it returns false so the caller can load
// them from storage and retry.
var nextScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	if redis.call('EXISTS', key) == 0 then
		if ARGV[3] == nil then
			return false
		end
		redis.call('HSET', key, 'seq', ARGV[3], 'at', ARGV[4])
	end

	local seq = redis.call('HINCRBY', key, 'seq', 1)
	local last = tonumber(redis.call('HGET', key, 'at'))
	if now <= last then
		now = last + 1
	end
	redis.call('HSET', key, 'at', string.format('%d', now))
	redis.call('EXPIRE', key, ttl)
	return {seq, now}
`)

// RedisSequencer keeps counters in redis so every node sequencing a session
// agrees on the order.
type RedisSequencer struct {
	client *redis.Client
	store  storage.Storage
	prefix string
	ttl    time.Duration
}

func NewRedisSequencer(client *redis.Client, store storage.Storage, prefix string, ttl time.Duration) *RedisSequencer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSequencer{client: client, store: store, prefix: prefix, ttl: ttl}
}

var _ Sequencer = (*RedisSequencer)(nil)

func (s *RedisSequencer) key(roomID string) string {
	return s.prefix + "seq:" + roomID
}

func (s *RedisSequencer) Next(ctx context.Context, roomID string, now time.Time) (int64, time.Time, error) {
	keys := []string{s.key(roomID)}
	nowMicros := stamp(now).UnixMicro()
	ttl := int64(s.ttl.Seconds())

	res, err := nextScript.Run(ctx, s.client, keys, nowMicros, ttl).Slice()
	if errors.Is(err, redis.Nil) {
		var seq, at int64
		last, lerr := s.store.LastMessage(ctx, roomID)
		if lerr != nil {
			return 0, time.Time{}, lerr
		}
		if last != nil {
			seq = last.Seq
			at = stamp(last.SentAt).UnixMicro()
		}
		res, err = nextScript.Run(ctx, s.client, keys, nowMicros, ttl, seq, at).Slice()
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to run sequence script: %w", err)
	}
	if len(res) < 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected result length: %d", len(res))
	}

	seq, ok := res[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected type for seq: %T", res[0])
	}
	at, ok := res[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected type for timestamp: %T", res[1])
	}
	return seq, time.UnixMicro(at).UTC(), nil
}

// Forget is a no-op; keys expire on their own.
func (s *RedisSequencer) Forget(string) {}
