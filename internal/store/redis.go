package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript is the same compare-and-pexpire Lua idiom as the teacher's
// RedisStore.RenewLock: 1=renewed, -1=missing, -2=owner mismatch.
const renewScript = `
local v = redis.call("GET", KEYS[1])
if v == false then
	return -1
end
if v ~= ARGV[1] then
	return -2
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`

// releaseScript deletes the key only if still owned by the caller.
const releaseScript = `
local v = redis.call("GET", KEYS[1])
if v == false then
	return 0
end
if v ~= ARGV[1] then
	return -2
end
redis.call("DEL", KEYS[1])
return 1
`

// RedisStore keeps Schedules in a Redis hash-of-JSON and HA locks as
// plain keys renewed via Lua scripts, grounded on the teacher's
// RedisStore (SetNX acquire, Lua renew/release, ScriptLoad at
// construction).
type RedisStore struct {
	client     *redis.Client
	renewSHA   string
	releaseSHA string
	keyPrefix  string
}

const schedulesKey = "visor:schedules"

// NewRedisStore preloads the Lua scripts the way the teacher's
// NewRedisStore does.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	renewSHA, err := client.ScriptLoad(ctx, renewScript).Result()
	if err != nil {
		return nil, err
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, renewSHA: renewSHA, releaseSHA: releaseSHA, keyPrefix: "visor:lock:"}, nil
}

func (r *RedisStore) lockKey(scheduleID string) string {
	return r.keyPrefix + scheduleID
}

func (r *RedisStore) Create(ctx context.Context, s *Schedule) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	return r.write(ctx, s)
}

func (r *RedisStore) write(ctx context.Context, s *Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, schedulesKey, s.ID, data).Err()
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Schedule, error) {
	data, err := r.client.HGet(ctx, schedulesKey, id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Schedule
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) GetAll(ctx context.Context) ([]*Schedule, error) {
	all, err := r.client.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(all))
	for _, data := range all {
		var s Schedule
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, nil
}

func (r *RedisStore) GetActive(ctx context.Context) ([]*Schedule, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RedisStore) GetDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	active, err := r.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, s := range active {
		if !s.NextRunAt.IsZero() && !s.NextRunAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RedisStore) Update(ctx context.Context, s *Schedule) error {
	if _, err := r.Get(ctx, s.ID); err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	return r.write(ctx, s)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, schedulesKey, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Flush(context.Context) error { return nil }

func (r *RedisStore) TryAcquireLock(ctx context.Context, scheduleID, nodeID string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.lockKey(scheduleID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisStore) RenewLock(ctx context.Context, scheduleID, token string, ttl time.Duration) (bool, error) {
	res, err := r.client.EvalSha(ctx, r.renewSHA, []string{r.lockKey(scheduleID)}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	code, _ := toInt(res)
	return code == 1, nil
}

func (r *RedisStore) ReleaseLock(ctx context.Context, scheduleID, token string) error {
	res, err := r.client.EvalSha(ctx, r.releaseSHA, []string{r.lockKey(scheduleID)}, token).Result()
	if err != nil {
		return err
	}
	code, _ := toInt(res)
	if code == -2 {
		return ErrLockNotHeld
	}
	return nil
}

// Sweep is a no-op for RedisStore: keys carry their own TTL via PEXPIRE,
// so Redis itself reaps expired locks.
func (r *RedisStore) Sweep(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("store: unexpected script result type %T", v)
	}
}

var _ Store = (*RedisStore)(nil)
