package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	lockKeyPrefix    = "session:lock:"
)

var (
	// ErrLockTimeout は他のリクエストがセッションを掴んだまま待ち時間を超えたことを表します。
	ErrLockTimeout = errors.New("session is busy")

	// ErrLockLost は fn の実行中にロックの TTL が切れ、書き戻しを諦めたことを表します。
	ErrLockLost = errors.New("session lock lost before save")

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

	// ロックを持っている間だけセッションを書き戻す
	lockedSaveScript = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("set", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)
)

// RedisStore はセッションを Redis に JSON で保存します。
// キーの TTL は無操作タイムアウトで、アクセスのたびに延長されます。
type RedisStore struct {
	rdb  *redis.Client
	opts Options
	now  func() time.Time

	lockTTL      time.Duration
	lockWait     time.Duration
	lockInterval time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		opts:         opts.withDefaults(),
		now:          time.Now,
		lockTTL:      5 * time.Second,
		lockWait:     2 * time.Second,
		lockInterval: 10 * time.Millisecond,
	}
}

// Create は新しいセッションを作成します。
func (s *RedisStore) Create(ctx context.Context, username string) (*Session, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	now := s.now().UTC()
	sess := &Session{
		ID:         id,
		Username:   username,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get はセッションを取得し、TTL を延長します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.LastActive = s.now().UTC()
	if err := s.rdb.Expire(ctx, sessionKey(id), s.ttlFor(sess)).Err(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update はロックキーで排他を取ったうえで fn を実行します。
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	if id == "" {
		return ErrNotFound
	}
	token, err := newID()
	if err != nil {
		return err
	}
	if err := s.acquire(ctx, id, token); err != nil {
		return err
	}
	defer func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), s.rdb, []string{lockKey(id)}, token).Err()
	}()

	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	draft := *sess
	if err := fn(&draft); err != nil {
		return err
	}
	draft.ID = sess.ID
	draft.CreatedAt = sess.CreatedAt
	draft.LastActive = s.now().UTC()
	return s.saveLocked(ctx, &draft, token)
}

// Destroy はセッションを削除します。
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.rdb.Del(ctx, sessionKey(id)).Err()
}

func (s *RedisStore) acquire(ctx context.Context, id, token string) error {
	deadline := s.now().Add(s.lockWait)
	for {
		ok, err := s.rdb.SetNX(ctx, lockKey(id), token, s.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if s.now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockInterval):
		}
	}
}

func (s *RedisStore) load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	// 無操作タイムアウトはキーの TTL に任せ、ここでは最大寿命だけを見る
	if s.now().Sub(sess.CreatedAt) > s.opts.MaxLifetime {
		_ = s.rdb.Del(ctx, sessionKey(id)).Err()
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *RedisStore) save(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, sessionKey(sess.ID), payload, s.ttlFor(sess)).Err()
}

func (s *RedisStore) saveLocked(ctx context.Context, sess *Session, lockToken string) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	saved, err := lockedSaveScript.Run(ctx, s.rdb,
		[]string{lockKey(sess.ID), sessionKey(sess.ID)},
		lockToken, payload, s.ttlFor(sess).Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if saved == 0 {
		return ErrLockLost
	}
	return nil
}

func (s *RedisStore) ttlFor(sess *Session) time.Duration {
	ttl := s.opts.IdleTimeout
	if remaining := sess.CreatedAt.Add(s.opts.MaxLifetime).Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func lockKey(id string) string {
	return lockKeyPrefix + id
}
