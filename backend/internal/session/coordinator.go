package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/store"
	"codeCollab/backend/internal/transport"
)

var (
	ErrSessionActive = errors.New("session is active")
	// 会话由另一个节点负责
	errOwnedElsewhere = errors.New("session is owned by another node")
)

// SnapshotSaver 快照历史（mysql collab_snapshots），可以为 nil
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, sessionKey string, snap collab.Snapshot) error
}

// EventSink 操作事件流（kafka），可以为 nil
type EventSink interface {
	Enqueue(ctx context.Context, evt collab.OpLoggedEvent) error
}

type Deps struct {
	Transport transport.Transport
	Files     store.FileStore
	Journal   store.Journal
	Auth      auth.Authorizer
	Presence  cache.PresenceCache
	History   SnapshotSaver
	Events    EventSink
	// 多节点共用总线时必须提供；nil 表示只有这一个协调者
	Lease cache.Lease
}

type Options struct {
	// 定期把文档写回文件存储
	SnapshotInterval time.Duration
	// 这么久没收到消息的参与者被移出会话
	ParticipantTimeout time.Duration
	PresenceTTL        time.Duration
	StorageTimeout     time.Duration
	// 租约持有者标识，默认随机生成
	NodeID   string
	LeaseTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 10 * time.Second
	}
	if o.ParticipantTimeout <= 0 {
		o.ParticipantTimeout = time.Minute
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 2 * o.ParticipantTimeout
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = 5 * time.Second
	}
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 3 * o.SnapshotInterval
	}
	return o
}

// Coordinator 服务端的会话协调者。每个文件一个会话，每个会话一个事件循环 goroutine：
// 同一文件的消息串行处理，不同文件互不影响。
// 配了 Lease 时，每个会话只由拿到租约的节点处理，其余节点对它保持沉默。
type Coordinator struct {
	d   Deps
	opt Options

	ctx      context.Context
	stop     context.CancelFunc
	cancelUp func()
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	// 由别的节点负责的会话，到期前不再去查租约
	remote map[string]time.Time
	group  singleflight.Group
}

func NewCoordinator(d Deps, opt Options) *Coordinator {
	if d.Presence == nil {
		d.Presence = cache.NewMemoryPresence()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		d:        d,
		opt:      opt.withDefaults(),
		ctx:      ctx,
		stop:     stop,
		sessions: make(map[string]*session),
		remote:   make(map[string]time.Time),
	}
}

func (c *Coordinator) NodeID() string { return c.opt.NodeID }

// Start 订阅 collab:up
func (c *Coordinator) Start() error {
	cancel, err := c.d.Transport.OnReceive(transport.UpChannel, c.dispatch)
	if err != nil {
		return err
	}
	c.cancelUp = cancel
	return nil
}

// Close 停止接收，所有会话落盘后返回
func (c *Coordinator) Close() {
	if c.cancelUp != nil {
		c.cancelUp()
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) dispatch(payload []byte) {
	m, err := Decode(payload)
	if err != nil {
		log.Printf("decode message error: %v", err)
		return
	}
	if _, _, ok := SplitKey(m.Session); !ok || m.ClientID == "" {
		log.Printf("drop %s message with session=%q client=%q", m.Type, m.Session, m.ClientID)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	s := c.sessions[m.Session]
	if s == nil {
		if c.ownedElsewhereLocked(m.Session) {
			c.mu.Unlock()
			return
		}
		if m.Type != MsgJoin {
			if m.Type != MsgLeave {
				c.wg.Add(1)
				go c.replyNotJoined(m)
			}
			c.mu.Unlock()
			return
		}
		s = newSession(c, m.Session)
		c.sessions[m.Session] = s
		c.wg.Add(1)
		go s.run(c.ctx)
	}
	s.inbox.push(item{msg: m})
	c.mu.Unlock()
}

func (c *Coordinator) ownedElsewhereLocked(key string) bool {
	until, ok := c.remote[key]
	if ok && time.Now().After(until) {
		delete(c.remote, key)
		return false
	}
	return ok
}

func (c *Coordinator) markRemote(key string) {
	c.mu.Lock()
	c.remote[key] = time.Now().Add(c.opt.LeaseTTL / 4)
	c.mu.Unlock()
}

// replyNotJoined 没有会话时收到编辑消息。别的节点持有租约就不出声，由它处理。
func (c *Coordinator) replyNotJoined(m Message) {
	defer c.wg.Done()
	if c.d.Lease != nil {
		holder, err := c.holder(m.Session)
		if err != nil {
			log.Printf("lookup owner of %s error: %v", m.Session, err)
			return
		}
		if holder != "" && holder != c.opt.NodeID {
			c.markRemote(m.Session)
			return
		}
	}
	c.send(c.ctx, Message{Type: MsgError, Session: m.Session, To: m.ClientID,
		Code: CodeNotJoined, Error: "no active session, join first"})
}

func (c *Coordinator) holder(key string) (string, error) {
	v, err, _ := c.group.Do("owner:"+key, func() (any, error) {
		ctx, cancel := context.WithTimeout(c.ctx, c.opt.StorageTimeout)
		defer cancel()
		return c.d.Lease.Holder(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// claim 抢占会话租约。fresh 为 true 表示上一任是别的节点，本地日志已经过时。
func (c *Coordinator) claim(ctx context.Context, key string) (fresh bool, err error) {
	if c.d.Lease == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opt.StorageTimeout)
	defer cancel()
	ok, prev, err := c.d.Lease.Acquire(ctx, key, c.opt.NodeID, c.opt.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("%w: acquire lease %s: %v", collab.ErrStorageFailure, key, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: %s held by %s", errOwnedElsewhere, key, prev)
	}
	return prev != "" && prev != c.opt.NodeID, nil
}

func (c *Coordinator) release(key string) {
	if c.d.Lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.StorageTimeout)
	defer cancel()
	if err := c.d.Lease.Release(ctx, key, c.opt.NodeID); err != nil {
		log.Printf("release lease %s error: %v", key, err)
	}
}

func (c *Coordinator) send(ctx context.Context, m Message) {
	b, err := Encode(m)
	if err != nil {
		log.Printf("encode %s message error: %v", m.Type, err)
		return
	}
	if err := c.d.Transport.Send(ctx, transport.DownChannel(m.Session), b); err != nil {
		log.Printf("send %s to %s error: %v", m.Type, m.Session, err)
	}
}

// load 并发打开同一个文件只读一次存储
func (c *Coordinator) load(ctx context.Context, key string, fresh bool) (*store.JournalState, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.open(ctx, key, fresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.JournalState), nil
}

// open 有日志就用日志；没有（或 fresh）就以文件内容为基础开启新的 epoch
func (c *Coordinator) open(ctx context.Context, key string, fresh bool) (*store.JournalState, error) {
	projectID, fileID, _ := SplitKey(key)
	ctx, cancel := context.WithTimeout(ctx, c.opt.StorageTimeout)
	defer cancel()

	f, err := c.d.Files.ReadFile(ctx, projectID, fileID)
	if err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read file %s: %v", collab.ErrStorageFailure, key, err)
	}
	if !fresh {
		st, err := c.d.Journal.Load(key)
		if err != nil {
			return nil, fmt.Errorf("%w: load journal %s: %v", collab.ErrStorageFailure, key, err)
		}
		if st != nil {
			return st, nil
		}
	}
	base := collab.TextSnapshot(uuid.NewString(), f.Content)
	if err := c.d.Journal.Begin(key, base); err != nil {
		return nil, fmt.Errorf("%w: begin journal %s: %v", collab.ErrStorageFailure, key, err)
	}
	return &store.JournalState{Epoch: base.Epoch, Floor: ot.VersionVector{}, Checkpoint: base, Sites: map[string]uint64{}}, nil
}

// Info 会话（或文件在没有会话时）的当前状态
type Info struct {
	Session      string           `json:"session"`
	Epoch        string           `json:"epoch"`
	Text         string           `json:"text"`
	Version      ot.VersionVector `json:"version"`
	Participants []cache.Member   `json:"participants"`
	Live         bool             `json:"live"`
}

// Peek 会话存在时由它的事件循环回答，否则从存储重建
func (c *Coordinator) Peek(ctx context.Context, projectID, fileID string) (Info, error) {
	key := Key(projectID, fileID)
	c.mu.Lock()
	if s := c.sessions[key]; s != nil {
		ch := make(chan peekResult, 1)
		s.inbox.push(item{peek: ch})
		c.mu.Unlock()
		select {
		case r := <-ch:
			if !errors.Is(r.err, errOwnedElsewhere) {
				return r.info, r.err
			}
		case <-ctx.Done():
			return Info{}, ctx.Err()
		}
	} else {
		c.mu.Unlock()
	}
	if c.d.Lease != nil {
		return c.peekShared(ctx, projectID, fileID)
	}

	st, err := c.load(ctx, key, false)
	if err != nil {
		return Info{}, err
	}
	r, err := collab.Rehydrate("", st.Floor, st.Checkpoint, st.Ops)
	if err != nil {
		return Info{}, err
	}
	return Info{Session: key, Epoch: r.Epoch(), Text: r.Text(), Version: r.Version()}, nil
}

// peekShared 多节点时本地日志可能落后于别的节点，只报告文件存储里的内容和全局在线状态
func (c *Coordinator) peekShared(ctx context.Context, projectID, fileID string) (Info, error) {
	key := Key(projectID, fileID)
	f, err := c.d.Files.ReadFile(ctx, projectID, fileID)
	if err != nil {
		return Info{}, err
	}
	holder, err := c.holder(key)
	if err != nil {
		return Info{}, fmt.Errorf("%w: lookup owner %s: %v", collab.ErrStorageFailure, key, err)
	}
	members, err := c.d.Presence.AliveMembers(ctx, key)
	if err != nil {
		log.Printf("alive members of %s error: %v", key, err)
	}
	return Info{Session: key, Text: f.Content, Participants: members, Live: holder != ""}, nil
}

// exclusive 在没有任何节点编辑这个文件时执行 fn
func (c *Coordinator) exclusive(ctx context.Context, key string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[key] != nil {
		return fmt.Errorf("%w: %s", ErrSessionActive, key)
	}
	if _, err := c.claim(ctx, key); err != nil {
		if errors.Is(err, errOwnedElsewhere) {
			return fmt.Errorf("%w: %v", ErrSessionActive, err)
		}
		return err
	}
	defer c.release(key)
	return fn()
}

// ResetFile 覆盖文件内容并开始新的 epoch；有会话在编辑时拒绝
func (c *Coordinator) ResetFile(ctx context.Context, projectID, fileID, content string) (*store.File, error) {
	key := Key(projectID, fileID)
	var f *store.File
	err := c.exclusive(ctx, key, func() error {
		var err error
		f, err = c.d.Files.UpdateFileContent(ctx, projectID, fileID, content)
		if err != nil {
			return err
		}
		if err := c.d.Journal.Begin(key, collab.TextSnapshot(uuid.NewString(), content)); err != nil {
			return fmt.Errorf("%w: begin journal %s: %v", collab.ErrStorageFailure, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFile 删除文件和它的会话日志；有会话在编辑时拒绝
func (c *Coordinator) DeleteFile(ctx context.Context, projectID, fileID string) error {
	key := Key(projectID, fileID)
	return c.exclusive(ctx, key, func() error {
		if err := c.d.Files.DeleteFile(ctx, projectID, fileID); err != nil {
			return err
		}
		if err := c.d.Journal.Drop(key); err != nil {
			return fmt.Errorf("%w: drop journal %s: %v", collab.ErrStorageFailure, key, err)
		}
		return nil
	})
}

// Active 当前有会话的 key
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for k := range c.sessions {
		out = append(out, k)
	}
	return out
}
