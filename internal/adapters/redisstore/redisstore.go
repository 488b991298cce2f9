// Package redisstore implements core.Store on Redis. Room documents are
// hashes; conditional writes run as Lua scripts so the compare and the set
// are one atomic server-side step, which is what seat-claim arbitration
// depends on. Snapshot streams ride pub/sub: every mutation republishes the
// full document to the doc's channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const (
	keyPrefix   = "stage:"
	watchBuffer = 64
	txRetries   = 5
)

var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then
  cur = ''
end
if cur ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient lets callers share a configured client.
func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error { return s.rdb.Close() }

func key(col, id string) string { return keyPrefix + col + ":" + id }
func channel(key string) string { return key + ":snap" }

// envelope is the pub/sub payload: either a full document or a deletion
// marker that ends the watch.
type envelope struct {
	Deleted bool              `json:"deleted,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (s *Store) publish(ctx context.Context, k string, deleted bool) {
	env := envelope{Deleted: deleted}
	if !deleted {
		fields, err := s.rdb.HGetAll(ctx, k).Result()
		if err != nil {
			log.Warn().Err(err).Str("module", "redisstore").Str("doc", k).Msg("snapshot read for publish failed")
			return
		}
		env.Fields = fields
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "redisstore").Msg("envelope marshal")
		return
	}
	if err := s.rdb.Publish(ctx, channel(k), payload).Err(); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("doc", k).Msg("snapshot publish failed")
	}
}

func (s *Store) Get(ctx context.Context, col, id string) (core.Document, error) {
	fields, err := s.rdb.HGetAll(ctx, key(col, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return core.Document(fields), nil
}

func (s *Store) Watch(ctx context.Context, col, id string) (<-chan core.Document, error) {
	k := key(col, id)
	sub := s.rdb.Subscribe(ctx, channel(k))
	// Force the subscription onto the wire before the initial read so no
	// update between read and subscribe is lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	initial, err := s.rdb.HGetAll(ctx, k).Result()
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(initial) == 0 {
		_ = sub.Close()
		return nil, domain.ErrNotFound
	}

	out := make(chan core.Document, watchBuffer)
	out <- core.Document(initial)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn().Err(err).Str("module", "redisstore").Msg("bad snapshot envelope")
					continue
				}
				if env.Deleted {
					return
				}
				if !offerLatest(out, core.Document(env.Fields)) {
					log.Warn().Str("module", "redisstore").Str("doc", k).Msg("watcher buffer full, stale snapshot evicted")
				}
			}
		}
	}()
	return out, nil
}

// offerLatest delivers the newest snapshot to a lagging watcher. Each
// snapshot is the full state, so the oldest buffered one is evicted to make
// room; a slow consumer loses intermediate states, never the latest.
// Reports whether the buffer had room without eviction.
func offerLatest(out chan core.Document, doc core.Document) bool {
	select {
	case out <- doc:
		return true
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- doc:
	default:
	}
	return false
}

func (s *Store) SetFields(ctx context.Context, col, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	k := key(col, id)
	flat := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		flat = append(flat, f, v)
	}
	if err := s.rdb.HSet(ctx, k, flat...).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	s.publish(ctx, k, false)
	return nil
}

func (s *Store) DeleteFields(ctx context.Context, col, id string, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	k := key(col, id)
	exists, err := s.rdb.Exists(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	if err := s.rdb.HDel(ctx, k, names...).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	s.publish(ctx, k, false)
	return nil
}

func (s *Store) CompareAndSet(ctx context.Context, col, id, field, expect, next string) error {
	k := key(col, id)
	res, err := casScript.Run(ctx, s.rdb, []string{k}, field, expect, next).Int()
	if err != nil {
		return fmt.Errorf("redis cas: %w", err)
	}
	switch res {
	case -1:
		return domain.ErrNotFound
	case 0:
		return domain.ErrConflict
	}
	s.publish(ctx, k, false)
	return nil
}

func (s *Store) Increment(ctx context.Context, col, id, field string, delta int64) (int64, error) {
	k := key(col, id)
	res, err := incrScript.Run(ctx, s.rdb, []string{k}, field, delta).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("redis hincrby: %w", err)
	}
	s.publish(ctx, k, false)
	return res, nil
}

func (s *Store) Append(ctx context.Context, col string, doc core.Document) (string, error) {
	id := uuid.NewString()
	k := key(col, id)
	flat := make([]any, 0, len(doc)*2)
	for f, v := range doc {
		flat = append(flat, f, v)
	}
	if err := s.rdb.HSet(ctx, k, flat...).Err(); err != nil {
		return "", fmt.Errorf("redis hset: %w", err)
	}
	return id, nil
}

func (s *Store) Delete(ctx context.Context, col, id string) error {
	k := key(col, id)
	n, err := s.rdb.Del(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	s.publish(ctx, k, true)
	return nil
}

// Transact runs fn against a recorded read set, then commits the buffered
// writes under WATCH: if any document read by fn changed before the commit,
// the whole attempt retries. Bounded retries, then the conflict surfaces.
func (s *Store) Transact(ctx context.Context, fn func(tx core.Tx) error) error {
	for attempt := 0; attempt < txRetries; attempt++ {
		rec := &recorder{ctx: ctx, store: s, reads: make(map[string]core.Document), staged: make(map[string]core.Document)}
		if err := fn(rec); err != nil {
			return err
		}
		if len(rec.staged) == 0 {
			return nil
		}
		err := s.commit(ctx, rec)
		if err == nil {
			for k := range rec.staged {
				s.publish(ctx, k, false)
			}
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.Debug().Str("module", "redisstore").Int("attempt", attempt+1).Msg("transaction conflict, retrying")
	}
	return fmt.Errorf("transaction retries exhausted: %w", domain.ErrConflict)
}

func (s *Store) commit(ctx context.Context, rec *recorder) error {
	keys := make([]string, 0, len(rec.reads)+len(rec.staged))
	seen := make(map[string]bool)
	for k := range rec.reads {
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for k := range rec.staged {
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		for k, orig := range rec.reads {
			cur, err := tx.HGetAll(ctx, k).Result()
			if err != nil {
				return err
			}
			if !sameDoc(core.Document(cur), orig) {
				return redis.TxFailedErr
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, doc := range rec.staged {
				// Staged docs are full replacements of the read
				// version, already validated unchanged above.
				pipe.Del(ctx, k)
				flat := make([]any, 0, len(doc)*2)
				for f, v := range doc {
					flat = append(flat, f, v)
				}
				if len(flat) > 0 {
					pipe.HSet(ctx, k, flat...)
				}
			}
			return nil
		})
		return err
	}, keys...)
}

func sameDoc(a, b core.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// recorder implements core.Tx with copy-on-write staging so fn reads its
// own writes while the commit still validates against the original state.
type recorder struct {
	ctx    context.Context
	store  *Store
	reads  map[string]core.Document
	staged map[string]core.Document
}

func (r *recorder) load(col, id string) (core.Document, bool, error) {
	k := key(col, id)
	if d, ok := r.staged[k]; ok {
		return d, true, nil
	}
	fields, err := r.store.rdb.HGetAll(r.ctx, k).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis hgetall: %w", err)
	}
	orig := make(core.Document, len(fields))
	staged := make(core.Document, len(fields))
	for f, v := range fields {
		orig[f] = v
		staged[f] = v
	}
	r.reads[k] = orig
	r.staged[k] = staged
	return staged, len(fields) > 0, nil
}

func (r *recorder) Get(col, id string) (core.Document, error) {
	d, exists, err := r.load(col, id)
	if err != nil {
		return nil, err
	}
	if !exists && len(d) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make(core.Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out, nil
}

func (r *recorder) SetFields(col, id string, fields map[string]string) {
	d, _, err := r.load(col, id)
	if err != nil {
		return
	}
	for f, v := range fields {
		d[f] = v
	}
}

func (r *recorder) Increment(col, id, field string, delta int64) {
	d, _, err := r.load(col, id)
	if err != nil {
		return
	}
	cur, _ := strconv.ParseInt(d[field], 10, 64)
	d[field] = strconv.FormatInt(cur+delta, 10)
}

func (r *recorder) DeleteFields(col, id string, names ...string) {
	d, _, err := r.load(col, id)
	if err != nil {
		return
	}
	for _, f := range names {
		delete(d, f)
	}
}
