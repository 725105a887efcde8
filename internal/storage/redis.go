package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	logx "pewcast/pkg/logx"
)

// redisStore keeps state in Redis.
//
// Keys (under prefix):
//   - recipients:order   ZSET id -> insertion seq
//   - recipients:seq     counter
//   - recipient:<id>     JSON Recipient
//   - jobs               ZSET id -> creation seq
//   - jobs:seq           counter
//   - job:<id>           JSON JobRecord
//   - job:<id>:targets   JSON []Target
//   - audit              LIST of JSON AuditEntry
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

const redisMGetChunk = 500

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return newRedisStore(rdb, cfg.Prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "pewcast"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) QueryRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error) {
	ids, err := s.rdb.ZRange(ctx, s.key("recipients", "order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Recipient, 0, len(ids))
	for start := 0; start < len(ids); start += redisMGetChunk {
		end := min(start+redisMGetChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.key("recipient", id))
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var r Recipient
			if err := json.Unmarshal([]byte(str), &r); err != nil {
				s.log.Debug("skip undecodable recipient", logx.Err(err))
				continue
			}
			if q.Match(r) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// ensureOrdered registers member in an insertion-ordered zset if absent.
func (s *redisStore) ensureOrdered(ctx context.Context, zset, seqKey, member string) error {
	_, err := s.rdb.ZScore(ctx, zset, member).Result()
	if err == nil {
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return err
	}
	return s.rdb.ZAddNX(ctx, zset, redis.Z{Score: float64(seq), Member: member}).Err()
}

func (s *redisStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return nil
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key("recipient", r.ID), b, 0).Err(); err != nil {
		return err
	}
	return s.ensureOrdered(ctx, s.key("recipients", "order"), s.key("recipients", "seq"), r.ID)
}

func (s *redisStore) SetRecipientActive(ctx context.Context, id string, active bool) error {
	k := s.key("recipient", id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var r Recipient
		if err := json.Unmarshal(raw, &r); err != nil {
			return errors.Wrapf(err, "decode recipient %s", id)
		}
		if r.Active == active {
			return nil
		}
		r.Active = active
		r.UpdatedAt = time.Now()
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, b, 0)
			return nil
		})
		return err
	}, k)
}

func (s *redisStore) SaveJob(ctx context.Context, rec JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key("job", rec.ID), b, 0).Err(); err != nil {
		return err
	}
	return s.ensureOrdered(ctx, s.key("jobs"), s.key("jobs", "seq"), rec.ID)
}

func (s *redisStore) LoadJob(ctx context.Context, id string) (JobRecord, error) {
	raw, err := s.rdb.Get(ctx, s.key("job", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	var rec JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return JobRecord{}, errors.Wrapf(err, "decode job %s", id)
	}
	return rec, nil
}

func (s *redisStore) LatestJob(ctx context.Context) (JobRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.key("jobs"), 0, 0).Result()
	if err != nil {
		return JobRecord{}, err
	}
	if len(ids) == 0 {
		return JobRecord{}, ErrNotFound
	}
	return s.LoadJob(ctx, ids[0])
}

func (s *redisStore) SaveTargets(ctx context.Context, jobID string, targets []Target) error {
	if targets == nil {
		targets = []Target{}
	}
	b, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("job", jobID, "targets"), b, 0).Err()
}

func (s *redisStore) LoadTargets(ctx context.Context, jobID string) ([]Target, error) {
	raw, err := s.rdb.Get(ctx, s.key("job", jobID, "targets")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out []Target
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "decode targets of job %s", jobID)
	}
	return out, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key("audit"), b).Err()
}
