package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/ot/delta"
	"codeCollab/backend/internal/store"
	"codeCollab/backend/internal/transport"
)

type State int32

const (
	Disconnected State = iota
	Joining
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Joining:
		return "joining"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrNotJoined   = errors.New("not joined yet")
	ErrReadOnly    = fmt.Errorf("%w: read-only participant", auth.ErrForbidden)
	ErrClosed      = errors.New("client closed")
	errJoinTimeout = fmt.Errorf("%w: no welcome", collab.ErrTransportFailure)
)

type ClientOptions struct {
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	// 重连退避；nil 时用 100ms 起、最长 5s 的指数退避，不放弃
	Backoff func() backoff.BackOff
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return o
}

// Client 参与者一侧：本地副本 + outbox + 断线重连。
// 本地编辑立即生效；没被 ack 的操作留在 outbox，重连后重发（接收方按 OpID 去重）。
type Client struct {
	t        transport.Transport
	session  string
	clientID string
	token    string
	opt      ClientOptions

	mu       sync.Mutex
	state    State
	replica  *collab.Replica
	outbox   []ot.Operation
	canEdit  bool
	members  []cache.Member
	cursors  map[string]cache.Cursor
	joined   chan error
	synced   chan struct{}
	fatal    error
	onChange func(delta.Delta)
	onState  func(State)
	notify   []func()

	notifyReady chan struct{}
	kick        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	cancelRecv  func()
	startOnce   sync.Once
	closeOnce   sync.Once
}

func NewClient(t transport.Transport, projectID, fileID, token string, opt ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		t:           t,
		session:     Key(projectID, fileID),
		clientID:    uuid.NewString(),
		token:       token,
		opt:         opt.withDefaults(),
		cursors:     make(map[string]cache.Cursor),
		synced:      make(chan struct{}),
		notifyReady: make(chan struct{}, 1),
		kick:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// OnChange 每个改变本地文本的 delta（本地编辑、远端操作、快照恢复）按顺序回调；
// 回调在单独的 goroutine 里执行，可以调用 Client 的方法。
func (c *Client) OnChange(fn func(delta.Delta)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Client) ClientID() string { return c.clientID }
func (c *Client) Session() string  { return c.session }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replica == nil {
		return ""
	}
	return c.replica.Text()
}

func (c *Client) Version() ot.VersionVector {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replica == nil {
		return ot.VersionVector{}
	}
	return c.replica.Version()
}

func (c *Client) SiteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replica == nil {
		return ""
	}
	return c.replica.SiteID()
}

// Unacknowledged outbox 里还没被确认落盘的操作数
func (c *Client) Unacknowledged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

func (c *Client) CanEdit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canEdit
}

func (c *Client) Members() []cache.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cache.Member(nil), c.members...)
}

// Cursors 其他参与者的光标，已按本地收到的变更平移
func (c *Client) Cursors() map[string]cache.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]cache.Cursor, len(c.cursors))
	for id, cur := range c.cursors {
		out[id] = cur
	}
	return out
}

// Connect 订阅下行频道并开始加入；等到第一次同步完成或 ctx 结束。
// ctx 结束不影响后台重连，直到 Close。
func (c *Client) Connect(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		var cancel func()
		cancel, err = c.t.OnReceive(transport.DownChannel(c.session), c.receive)
		if err != nil {
			close(c.done)
			return
		}
		c.cancelRecv = cancel
		if w, ok := c.t.(transport.Watcher); ok {
			w.Watch(c.onLink)
		}
		go c.notifyLoop()
		go c.loop()
	})
	if err != nil {
		return err
	}
	return c.WaitSynced(ctx)
}

func (c *Client) WaitSynced(ctx context.Context) error {
	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return err
	}
	if c.state == Synced {
		c.mu.Unlock()
		return nil
	}
	ch := c.synced
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-c.ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.fatal != nil {
			return c.fatal
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 发送 leave，停止重连
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.State() == Synced {
			_ = c.send(Message{Type: MsgLeave})
		}
		c.cancel()
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
		if c.cancelRecv != nil {
			c.cancelRecv()
		}
	})
	return nil
}

func (c *Client) loop() {
	defer close(c.done)
	heartbeat := time.NewTicker(c.opt.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		if c.State() == Disconnected {
			b := backoff.WithContext(c.opt.Backoff(), c.ctx)
			err := backoff.RetryNotify(c.join, b, func(err error, d time.Duration) {
				log.Printf("join %s failed: %v, retry in %s", c.session, err, d)
			})
			if err != nil && c.ctx.Err() != nil {
				return
			}
		}
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		case <-heartbeat.C:
			c.heartbeat()
		}
	}
}

// join 一次加入尝试：发 join，等 welcome
func (c *Client) join() error {
	res := make(chan error, 1)
	m := Message{Type: MsgJoin, Token: c.token}
	c.mu.Lock()
	c.joined = res
	c.setStateLocked(Joining)
	if c.replica != nil {
		m.SiteID = c.replica.SiteID()
		m.Epoch = c.replica.Epoch()
		m.Version = c.replica.Version()
	}
	c.mu.Unlock()

	if err := c.send(m); err != nil {
		c.disconnect(err)
		return err
	}
	timer := time.NewTimer(c.opt.JoinTimeout)
	defer timer.Stop()
	select {
	case err := <-res:
		if err == nil {
			return nil
		}
		c.disconnect(err)
		c.mu.Lock()
		fatal := c.fatal != nil
		c.mu.Unlock()
		if fatal {
			c.cancel()
		}
		return err
	case <-timer.C:
		c.disconnect(errJoinTimeout)
		return errJoinTimeout
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Client) heartbeat() {
	c.mu.Lock()
	if c.state != Synced {
		c.mu.Unlock()
		return
	}
	m := c.syncMessageLocked()
	c.mu.Unlock()
	c.sendOrDisconnect(m)
}

func (c *Client) onLink(up bool) {
	if !up {
		c.disconnect(fmt.Errorf("%w: link down", collab.ErrTransportFailure))
		return
	}
	c.kickLoop()
}

func (c *Client) kickLoop() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) disconnect(err error) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	log.Printf("client %s disconnected from %s: %v", c.clientID, c.session, err)
	if c.state == Joining && c.joined != nil {
		select {
		case c.joined <- err:
		default:
		}
		c.joined = nil
	}
	c.setStateLocked(Disconnected)
	c.mu.Unlock()
	c.kickLoop()
}

func (c *Client) send(m Message) error {
	m.Session = c.session
	m.ClientID = c.clientID
	b, err := Encode(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opt.SendTimeout)
	defer cancel()
	return c.t.Send(ctx, transport.UpChannel, b)
}

func (c *Client) sendOrDisconnect(msgs ...Message) {
	for _, m := range msgs {
		if err := c.send(m); err != nil {
			c.disconnect(err)
			return
		}
	}
}

// setStateLocked 调用方持有 c.mu
func (c *Client) setStateLocked(st State) {
	if c.state == st {
		return
	}
	prev := c.state
	c.state = st
	if st == Synced {
		close(c.synced)
	} else if prev == Synced {
		c.synced = make(chan struct{})
	}
	if fn := c.onState; fn != nil {
		c.emitLocked(func() { fn(st) })
	}
}

func (c *Client) emitChangeLocked(d delta.Delta) {
	if d.Empty() {
		return
	}
	for id, cur := range c.cursors {
		cur.Position = d.TransformIndex(cur.Position)
		cur.Anchor = d.TransformIndex(cur.Anchor)
		c.cursors[id] = cur
	}
	if fn := c.onChange; fn != nil {
		c.emitLocked(func() { fn(d) })
	}
}

func (c *Client) emitLocked(fn func()) {
	c.notify = append(c.notify, fn)
	select {
	case c.notifyReady <- struct{}{}:
	default:
	}
}

func (c *Client) notifyLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notifyReady:
		}
		c.mu.Lock()
		batch := c.notify
		c.notify = nil
		c.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
	}
}

func (c *Client) Insert(pos int, text string) error {
	return c.edit(func(r *collab.Replica) (collab.Applied, error) { return r.Insert(pos, text) })
}

func (c *Client) Delete(pos, length int) error {
	return c.edit(func(r *collab.Replica) (collab.Applied, error) { return r.Delete(pos, length) })
}

func (c *Client) edit(fn func(*collab.Replica) (collab.Applied, error)) error {
	c.mu.Lock()
	if c.replica == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if !c.canEdit {
		c.mu.Unlock()
		return ErrReadOnly
	}
	a, err := fn(c.replica)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.outbox = append(c.outbox, a.Op)
	c.emitChangeLocked(a.Delta)
	synced := c.state == Synced
	c.mu.Unlock()
	if synced {
		c.sendOrDisconnect(Message{Type: MsgOp, Op: &a.Op})
	}
	return nil
}

// SetCursor 位置以 rune 计
func (c *Client) SetCursor(position, anchor int) {
	c.mu.Lock()
	synced := c.state == Synced
	c.mu.Unlock()
	if synced {
		c.sendOrDisconnect(Message{Type: MsgCursor, Cursor: &cache.Cursor{Position: position, Anchor: anchor}})
	}
}

func (c *Client) receive(payload []byte) {
	m, err := Decode(payload)
	if err != nil {
		log.Printf("decode message error: %v", err)
		return
	}
	if m.Session != c.session || (m.To != "" && m.To != c.clientID) {
		return
	}
	var out []Message
	c.mu.Lock()
	switch m.Type {
	case MsgWelcome:
		out = c.onWelcomeLocked(m)
	case MsgOp:
		if m.Op != nil && m.ClientID != c.clientID && c.replica != nil {
			out = c.integrateLocked([]ot.Operation{*m.Op})
		}
	case MsgCatchup:
		if c.replica != nil && m.Epoch == c.replica.Epoch() {
			out = c.integrateLocked(m.Ops)
			c.pruneLocked(m.Version)
		}
	case MsgAck:
		c.pruneLocked(m.Version)
	case MsgResync:
		if m.Snapshot != nil && c.replica != nil {
			if err := c.restoreLocked(c.replica.SiteID(), *m.Snapshot); err != nil {
				log.Printf("resync %s error: %v", c.session, err)
			}
			c.pruneLocked(m.Version)
			if c.state == Synced {
				out = c.outboxMessagesLocked()
			}
		}
	case MsgPresence:
		c.members = m.Members
		alive := make(map[string]bool, len(m.Members))
		for _, mem := range m.Members {
			alive[mem.ClientID] = true
		}
		for id := range c.cursors {
			if !alive[id] {
				delete(c.cursors, id)
			}
		}
	case MsgCursor:
		if m.Cursor != nil && m.ClientID != c.clientID {
			c.cursors[m.ClientID] = *m.Cursor
		}
	case MsgError:
		out = c.onErrorLocked(m)
	}
	c.mu.Unlock()
	c.sendOrDisconnect(out...)
}

func (c *Client) onWelcomeLocked(m Message) []Message {
	if c.state != Joining || c.joined == nil {
		return nil
	}
	var err error
	switch {
	case m.Snapshot != nil:
		err = c.restoreLocked(m.SiteID, *m.Snapshot)
	case c.replica == nil || c.replica.Epoch() != m.Epoch || c.replica.SiteID() != m.SiteID:
		err = fmt.Errorf("%w: catch-up welcome for a different replica", collab.ErrEpochMismatch)
	}
	if err != nil {
		c.joined <- err
		c.joined = nil
		return nil
	}
	var out []Message
	if m.Snapshot == nil {
		out = c.integrateLocked(m.Ops)
	}
	c.pruneLocked(m.Version)
	c.canEdit = m.CanEdit
	c.joined <- nil
	c.joined = nil
	c.setStateLocked(Synced)
	return append(c.outboxMessagesLocked(), out...)
}

func (c *Client) outboxMessagesLocked() []Message {
	if !c.canEdit {
		return nil
	}
	out := make([]Message, 0, len(c.outbox))
	for i := range c.outbox {
		op := c.outbox[i]
		out = append(out, Message{Type: MsgOp, Op: &op})
	}
	return out
}

func (c *Client) syncMessageLocked() Message {
	return Message{Type: MsgSync, Epoch: c.replica.Epoch(), Version: c.replica.Version()}
}

// integrateLocked 返回需要发出的消息（依赖缺失时请求追平）
func (c *Client) integrateLocked(ops []ot.Operation) []Message {
	for _, op := range ops {
		applied, err := c.replica.Integrate(op)
		if err != nil {
			// 服务端已经接受的操作本地却无法集成：副本已分叉，请求快照
			log.Printf("integrate %s error: %v", op.ID(), err)
			return []Message{{Type: MsgSync, Epoch: "", Version: c.replica.Version()}}
		}
		for _, a := range applied {
			c.emitChangeLocked(a.Delta)
		}
	}
	if c.replica.Pending() > 0 {
		return []Message{c.syncMessageLocked()}
	}
	return nil
}

// restoreLocked 用快照替换本地副本，未确认的本地操作重新集成到快照之上
func (c *Client) restoreLocked(siteID string, snap collab.Snapshot) error {
	r, err := collab.RestoreReplica(siteID, snap)
	if err != nil {
		return err
	}
	old := c.replica
	if old != nil && old.Epoch() != snap.Epoch && len(c.outbox) > 0 {
		log.Printf("epoch of %s changed %s -> %s, drop %d unacknowledged ops", c.session, old.Epoch(), snap.Epoch, len(c.outbox))
		c.outbox = nil
	}
	kept := c.outbox[:0]
	for _, op := range c.outbox {
		if r.Has(op.ID()) {
			continue
		}
		if _, err := r.Integrate(op); err != nil || !r.Has(op.ID()) {
			log.Printf("drop unacknowledged op %s after restore: %v", op.ID(), err)
			continue
		}
		kept = append(kept, op)
	}
	c.outbox = kept

	oldText := ""
	if old != nil {
		oldText = old.Text()
	}
	c.replica = r
	if oldText != r.Text() {
		d := delta.Delta{}.Delete(utf8.RuneCountInString(oldText)).Insert(r.Text())
		c.emitChangeLocked(d)
	}
	return nil
}

func (c *Client) pruneLocked(v ot.VersionVector) {
	if len(v) == 0 {
		return
	}
	kept := c.outbox[:0]
	for _, op := range c.outbox {
		if !v.Includes(op.ID()) {
			kept = append(kept, op)
		}
	}
	c.outbox = kept
}

func (c *Client) onErrorLocked(m Message) []Message {
	log.Printf("client %s got %s: %s", c.clientID, m.Code, m.Error)
	var err error
	switch m.Code {
	case CodeInvalidOperation:
		if m.Op == nil || c.replica == nil {
			return nil
		}
		return c.dropRejectedLocked(m.Op.ID())
	case CodeUnauthenticated:
		err = fmt.Errorf("%w: %s", auth.ErrUnauthenticated, m.Error)
	case CodeFileNotFound:
		err = fmt.Errorf("%w: %s", store.ErrFileNotFound, m.Error)
	case CodePermissionDenied:
		if c.state == Synced {
			c.canEdit = false
			return nil
		}
		err = fmt.Errorf("%w: %s", auth.ErrForbidden, m.Error)
	case CodeNotJoined:
		if c.state == Synced {
			c.setStateLocked(Disconnected)
			c.kickLoop()
		}
		return nil
	case CodeStorageFailure:
		err = fmt.Errorf("%w: %s", collab.ErrStorageFailure, m.Error)
		if c.state == Joining && c.joined != nil {
			c.joined <- err
			c.joined = nil
		}
		return nil
	default:
		return nil
	}
	// 认证失败、不是成员、文件不存在：重连也没用
	c.fatal = err
	if c.state == Joining && c.joined != nil {
		c.joined <- err
		c.joined = nil
	}
	return nil
}

// dropRejectedLocked 服务端永久拒绝了 id：它和同一 site 上之后的操作都不会再被接受，
// 移出 outbox 后请求快照，本地副本回到服务端的状态
func (c *Client) dropRejectedLocked(id ot.OpID) []Message {
	kept := c.outbox[:0]
	dropped := 0
	for _, op := range c.outbox {
		if op.SiteID == id.SiteID && op.Seq >= id.Seq {
			dropped++
			continue
		}
		kept = append(kept, op)
	}
	c.outbox = kept
	if dropped == 0 {
		return nil
	}
	log.Printf("client %s: %s rejected, drop %d unacknowledged ops and resync", c.clientID, id, dropped)
	return []Message{{Type: MsgSync, Epoch: "", Version: c.replica.Version()}}
}

func (c *Client) replicaEpoch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replica == nil {
		return ""
	}
	return c.replica.Epoch()
}
