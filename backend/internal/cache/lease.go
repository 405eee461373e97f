package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Lease 多个节点共用一条总线时，每个会话只由一个节点的协调者负责
type Lease interface {
	// Acquire 抢占或续约。成功时 prev 是上一任持有者（续约时是 holder 自己，从未被持有过为空）；
	// 被别人持有时 ok 为 false，prev 是当前持有者。
	Acquire(ctx context.Context, session, holder string, ttl time.Duration) (ok bool, prev string, err error)
	// Release 只释放自己持有的租约
	Release(ctx context.Context, session, holder string) error
	Holder(ctx context.Context, session string) (string, error)
}

type redisLease struct {
	rdb redis.UniversalClient
}

func NewRedisLease(rdb redis.UniversalClient) Lease {
	return &redisLease{rdb: rdb}
}

var acquireScript = redis.NewScript(`
-- KEYS[1] = ownerKey  KEYS[2] = lastOwnerKey
-- ARGV[1] = holder  ARGV[2] = ttl (ms)
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return {1, cur}
end
if cur then
	return {0, cur}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
local prev = redis.call("GET", KEYS[2]) or ""
redis.call("SET", KEYS[2], ARGV[1])
return {1, prev}
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisLease) Acquire(ctx context.Context, session, holder string, ttl time.Duration) (bool, string, error) {
	keys := []string{ownerKey(session), lastOwnerKey(session)}
	res, err := acquireScript.Run(ctx, l.rdb, keys, holder, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, "", err
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("acquire lease %s: unexpected reply %v", session, res)
	}
	ok, _ := res[0].(int64)
	prev, _ := res[1].(string)
	return ok == 1, prev, nil
}

func (l *redisLease) Release(ctx context.Context, session, holder string) error {
	return releaseScript.Run(ctx, l.rdb, []string{ownerKey(session)}, holder).Err()
}

func (l *redisLease) Holder(ctx context.Context, session string) (string, error) {
	h, err := l.rdb.Get(ctx, ownerKey(session)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return h, err
}

// MemoryLease 单进程内共享；测试里模拟多个节点
type MemoryLease struct {
	mu     sync.Mutex
	owners map[string]leaseEntry
	last   map[string]string
}

type leaseEntry struct {
	holder   string
	expireAt time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{owners: make(map[string]leaseEntry), last: make(map[string]string)}
}

func (l *MemoryLease) Acquire(ctx context.Context, session, holder string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cur, held := l.owners[session]
	if held && cur.expireAt.After(now) {
		if cur.holder != holder {
			return false, cur.holder, nil
		}
		l.owners[session] = leaseEntry{holder: holder, expireAt: now.Add(ttl)}
		return true, holder, nil
	}
	prev := l.last[session]
	l.owners[session] = leaseEntry{holder: holder, expireAt: now.Add(ttl)}
	l.last[session] = holder
	return true, prev, nil
}

func (l *MemoryLease) Release(ctx context.Context, session, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[session].holder == holder {
		delete(l.owners, session)
	}
	return nil
}

func (l *MemoryLease) Holder(ctx context.Context, session string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.owners[session]
	if !ok || !cur.expireAt.After(time.Now()) {
		return "", nil
	}
	return cur.holder, nil
}
