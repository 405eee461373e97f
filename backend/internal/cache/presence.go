package cache

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Member 一个在线参与者（同一个用户开多个标签页是多个参与者）
type Member struct {
	ClientID string `json:"clientId"`
	SiteID   string `json:"siteId"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	CanEdit  bool   `json:"canEdit"`
}

// Cursor 光标位置以 rune 计
type Cursor struct {
	Position  int   `json:"position"`
	Anchor    int   `json:"anchor"`
	UpdatedAt int64 `json:"updatedAt"`
}

type PresenceCache interface {
	AddMember(ctx context.Context, session string, m Member, ttl time.Duration) error
	RemoveMember(ctx context.Context, session, clientID string) error
	AliveMembers(ctx context.Context, session string) ([]Member, error)
	SetCursor(ctx context.Context, session, clientID string, c Cursor) error
	Cursors(ctx context.Context, session string) (map[string]Cursor, error)
	Sessions(ctx context.Context) ([]string, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期参与者（ZSet score = expireAt），同时删掉他们的信息和光标
var purgeScript = redis.NewScript(`
-- KEYS[1] = roomKey  KEYS[2] = membersKey  KEYS[3] = cursorsKey  KEYS[4] = sessionsKey
-- ARGV[1] = now (unix seconds)  ARGV[2] = session
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[4], ARGV[2])
end
return #expired
`)

// AddMember 刷新 TTL 也调用它
func (p *redisPresence) AddMember(ctx context.Context, session string, m Member, ttl time.Duration) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(session), redis.Z{Score: float64(expireAt), Member: m.ClientID})
	tx.HSet(ctx, membersKey(session), m.ClientID, b)
	tx.SAdd(ctx, sessionsKey(), session)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, session, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(session), clientID)
	tx.HDel(ctx, membersKey(session), clientID)
	tx.HDel(ctx, cursorsKey(session), clientID)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	return p.purge(ctx, session, time.Now().Unix())
}

func (p *redisPresence) purge(ctx context.Context, session string, now int64) error {
	keys := []string{roomKey(session), membersKey(session), cursorsKey(session), sessionsKey()}
	err := purgeScript.Run(ctx, p.rdb, keys, now, session).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (p *redisPresence) AliveMembers(ctx context.Context, session string) ([]Member, error) {
	now := time.Now().Unix()
	if err := p.purge(ctx, session, now); err != nil {
		return nil, err
	}
	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(session), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := p.rdb.HMGet(ctx, membersKey(session), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(vals))
	for i, v := range vals {
		m := Member{ClientID: ids[i]}
		if s, ok := v.(string); ok {
			_ = json.Unmarshal([]byte(s), &m)
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, session, clientID string, c Cursor) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.rdb.HSet(ctx, cursorsKey(session), clientID, b).Err()
}

func (p *redisPresence) Cursors(ctx context.Context, session string) (map[string]Cursor, error) {
	raw, err := p.rdb.HGetAll(ctx, cursorsKey(session)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[string]Cursor, len(raw))
	for id, s := range raw {
		var c Cursor
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			continue
		}
		out[id] = c
	}
	return out, nil
}

func (p *redisPresence) Sessions(ctx context.Context) ([]string, error) {
	sessions, err := p.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	slices.Sort(sessions)
	return sessions, nil
}

// MemoryPresence 不接 redis 时使用，只在单进程内可见
type MemoryPresence struct {
	mu      sync.Mutex
	members map[string]map[string]memberTTL
	cursors map[string]map[string]Cursor
}

type memberTTL struct {
	Member
	expireAt time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		members: make(map[string]map[string]memberTTL),
		cursors: make(map[string]map[string]Cursor),
	}
}

func (p *MemoryPresence) AddMember(ctx context.Context, session string, m Member, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.members[session] == nil {
		p.members[session] = make(map[string]memberTTL)
	}
	p.members[session][m.ClientID] = memberTTL{Member: m, expireAt: time.Now().Add(ttl)}
	return nil
}

func (p *MemoryPresence) RemoveMember(ctx context.Context, session, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members[session], clientID)
	delete(p.cursors[session], clientID)
	if len(p.members[session]) == 0 {
		delete(p.members, session)
		delete(p.cursors, session)
	}
	return nil
}

func (p *MemoryPresence) AliveMembers(ctx context.Context, session string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []Member
	for id, m := range p.members[session] {
		if !m.expireAt.After(now) {
			delete(p.members[session], id)
			delete(p.cursors[session], id)
			continue
		}
		out = append(out, m.Member)
	}
	slices.SortFunc(out, func(a, b Member) int {
		if a.ClientID < b.ClientID {
			return -1
		}
		if a.ClientID > b.ClientID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (p *MemoryPresence) SetCursor(ctx context.Context, session, clientID string, c Cursor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursors[session] == nil {
		p.cursors[session] = make(map[string]Cursor)
	}
	p.cursors[session][clientID] = c
	return nil
}

func (p *MemoryPresence) Cursors(ctx context.Context, session string) (map[string]Cursor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Cursor, len(p.cursors[session]))
	for id, c := range p.cursors[session] {
		out[id] = c
	}
	return out, nil
}

func (p *MemoryPresence) Sessions(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.members))
	for s := range p.members {
		out = append(out, s)
	}
	slices.Sort(out)
	return out, nil
}
