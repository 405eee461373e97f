package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/ot/delta"
	"codeCollab/backend/internal/store"
)

type peekResult struct {
	info Info
	err  error
}

type item struct {
	msg  Message
	peek chan peekResult
}

// mailbox 无界收件箱；push 由 Coordinator 在持有 c.mu 时调用
type mailbox struct {
	mu    sync.Mutex
	items []item
	ready chan struct{}
}

func newMailbox() *mailbox { return &mailbox{ready: make(chan struct{}, 1)} }

func (b *mailbox) push(it item) {
	b.mu.Lock()
	b.items = append(b.items, it)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []item {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

type participant struct {
	member cache.Member
	// 接入层盖上的用户；直连总线的参与者为 0
	via      uint64
	cursor   cache.Cursor
	lastSeen time.Time
}

// session 只在自己的事件循环 goroutine 里访问（inbox 除外）
type session struct {
	c         *Coordinator
	key       string
	projectID string
	fileID    string
	inbox     *mailbox

	replica      *collab.Replica
	participants map[string]*participant // clientId -> participant
	sites        map[string]uint64       // siteId -> userId，和日志一起持久化
	// 已写入日志的位置和对应的版本（ack 的依据）
	flushed collab.LogPosition
	durable ot.VersionVector
	// 上次成功写回文件存储时的日志位置
	saved collab.LogPosition
}

func newSession(c *Coordinator, key string) *session {
	projectID, fileID, _ := SplitKey(key)
	return &session{
		c:            c,
		key:          key,
		projectID:    projectID,
		fileID:       fileID,
		inbox:        newMailbox(),
		participants: make(map[string]*participant),
	}
}

func (s *session) run(ctx context.Context) {
	defer s.c.wg.Done()

	fresh, err := s.c.claim(ctx, s.key)
	if errors.Is(err, errOwnedElsewhere) {
		s.standby()
		return
	}
	claimed := err == nil
	var st *store.JournalState
	if err == nil {
		st, err = s.c.load(ctx, s.key, fresh)
	}
	if err == nil {
		s.replica, err = collab.Rehydrate("", st.Floor, st.Checkpoint, st.Ops)
	}
	if err != nil {
		log.Printf("open session %s error: %v", s.key, err)
		s.failOpen(ctx, err)
		if claimed {
			s.c.release(s.key)
		}
		return
	}
	s.sites = maps.Clone(st.Sites)
	if s.sites == nil {
		s.sites = make(map[string]uint64)
	}
	s.flushed = s.replica.Log().Head()
	s.durable = s.replica.Version()
	log.Printf("session %s opened on %s: epoch=%s version=%s fresh=%v", s.key, s.c.opt.NodeID, s.replica.Epoch(), s.durable, fresh)

	ticker := time.NewTicker(s.c.opt.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.persist(context.Background())
			s.c.release(s.key)
			return
		case <-ticker.C:
			if !s.tick(ctx) {
				s.abandon()
				return
			}
		case <-s.inbox.ready:
			for _, it := range s.inbox.take() {
				s.handle(ctx, it)
			}
		}
		if len(s.participants) == 0 && s.retire() {
			log.Printf("session %s closed", s.key)
			return
		}
	}
}

// standby 别的节点持有租约：排队的消息交给它处理，这里丢弃
func (s *session) standby() {
	s.c.mu.Lock()
	delete(s.c.sessions, s.key)
	s.c.remote[s.key] = time.Now().Add(s.c.opt.LeaseTTL / 4)
	items := s.inbox.take()
	s.c.mu.Unlock()
	for _, it := range items {
		if it.peek != nil {
			it.peek <- peekResult{err: errOwnedElsewhere}
		}
	}
}

// abandon 租约被别的节点拿走。不再写回文件，参与者的下一条消息会被引到新的负责节点。
func (s *session) abandon() {
	log.Printf("session %s: lease lost, stop serving on %s", s.key, s.c.opt.NodeID)
	for cid := range s.participants {
		s.removeParticipant(context.Background(), cid)
	}
	s.standby()
}

// 打开失败：回复排队中的请求，然后移除会话
func (s *session) failOpen(ctx context.Context, err error) {
	s.c.mu.Lock()
	delete(s.c.sessions, s.key)
	items := s.inbox.take()
	s.c.mu.Unlock()

	code := CodeStorageFailure
	if errors.Is(err, store.ErrFileNotFound) {
		code = CodeFileNotFound
	}
	for _, it := range items {
		if it.peek != nil {
			it.peek <- peekResult{err: err}
			continue
		}
		if it.msg.Type == MsgJoin {
			s.replyError(ctx, it.msg.ClientID, code, err)
		}
	}
}

// retire 最后一个参与者离开：落盘后销毁；期间又有消息进来则继续运行
func (s *session) retire() bool {
	s.persist(context.Background())
	s.c.mu.Lock()
	if s.inbox.len() > 0 {
		s.c.mu.Unlock()
		return false
	}
	delete(s.c.sessions, s.key)
	s.c.mu.Unlock()
	s.c.release(s.key)
	return true
}

func (s *session) handle(ctx context.Context, it item) {
	if it.peek != nil {
		it.peek <- peekResult{info: s.info()}
		return
	}
	m := it.msg
	if p := s.participants[m.ClientID]; p != nil && m.Type != MsgJoin {
		if p.via != m.UserID {
			log.Printf("session %s: drop %s for client %s sent by user %d", s.key, m.Type, m.ClientID, m.UserID)
			s.replyError(ctx, m.ClientID, CodePermissionDenied, fmt.Errorf("%w: client belongs to another user", auth.ErrForbidden))
			return
		}
		p.lastSeen = time.Now()
	}
	switch m.Type {
	case MsgJoin:
		s.join(ctx, m)
	case MsgOp:
		s.op(ctx, m)
	case MsgSync:
		s.sync(ctx, m)
	case MsgCursor:
		s.cursor(ctx, m)
	case MsgLeave:
		if s.participants[m.ClientID] != nil {
			s.removeParticipant(ctx, m.ClientID)
			s.broadcastPresence(ctx)
		}
	default:
		s.replyError(ctx, m.ClientID, CodeBadRequest, fmt.Errorf("unknown message type %q", m.Type))
	}
}

func (s *session) join(ctx context.Context, m Message) {
	actx, cancel := context.WithTimeout(ctx, s.c.opt.StorageTimeout)
	id, err := s.c.d.Auth.Authorize(actx, m.Token, s.projectID)
	cancel()
	if err != nil {
		code := CodeUnauthenticated
		if errors.Is(err, auth.ErrForbidden) {
			code = CodePermissionDenied
		} else if !errors.Is(err, auth.ErrUnauthenticated) {
			code = CodeStorageFailure
		}
		s.replyError(ctx, m.ClientID, code, err)
		return
	}
	if m.UserID != 0 && m.UserID != id.UserID {
		s.replyError(ctx, m.ClientID, CodePermissionDenied, fmt.Errorf("%w: token does not match the connection", auth.ErrForbidden))
		return
	}
	if p := s.participants[m.ClientID]; p != nil && (p.member.UserID != id.UserID || p.via != m.UserID) {
		s.replyError(ctx, m.ClientID, CodePermissionDenied, fmt.Errorf("%w: client belongs to another user", auth.ErrForbidden))
		return
	}

	sameEpoch := m.Epoch == s.replica.Epoch()
	siteID := m.SiteID
	if owner, taken := s.sites[siteID]; siteID == "" || !sameEpoch || (taken && owner != id.UserID) {
		siteID = uuid.NewString()
	}
	if _, bound := s.sites[siteID]; !bound {
		if err := s.c.d.Journal.BindSite(s.key, s.replica.Epoch(), siteID, id.UserID); err != nil {
			s.replyError(ctx, m.ClientID, CodeStorageFailure, fmt.Errorf("%w: bind site: %v", collab.ErrStorageFailure, err))
			return
		}
	}
	// 同一个 site 的旧连接（断开还没被发现）让位给新连接
	for cid, p := range s.participants {
		if cid != m.ClientID && p.member.SiteID == siteID {
			s.removeParticipant(ctx, cid)
		}
	}
	s.sites[siteID] = id.UserID
	p := &participant{
		member: cache.Member{
			ClientID: m.ClientID,
			SiteID:   siteID,
			UserID:   id.UserID,
			Username: id.Username,
			CanEdit:  id.CanEdit(),
		},
		via:      m.UserID,
		lastSeen: time.Now(),
	}
	s.participants[m.ClientID] = p

	welcome := Message{
		Type:    MsgWelcome,
		Session: s.key,
		To:      m.ClientID,
		SiteID:  siteID,
		Epoch:   s.replica.Epoch(),
		Version: s.durable.Copy(),
		CanEdit: id.CanEdit(),
	}
	if sameEpoch && siteID == m.SiteID && s.canCatchUp(m.Version, siteID) {
		welcome.Ops = slices.Collect(s.replica.Log().OperationsSince(m.Version))
	} else {
		snap := s.replica.Snapshot()
		welcome.Snapshot = &snap
	}
	s.c.send(ctx, welcome)
	log.Printf("session %s: %s joined as client=%s site=%s canEdit=%v catchup=%v",
		s.key, id.Username, m.ClientID, siteID, id.CanEdit(), welcome.Snapshot == nil)

	if err := s.c.d.Presence.AddMember(ctx, s.key, p.member, s.c.opt.PresenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}
	s.broadcastPresence(ctx)
}

// canCatchUp 日志能补齐 v 缺的操作，并且 v 没有本地不知道的操作（参与者自己的 site 除外，
// 那是它还没发过来的 outbox）
func (s *session) canCatchUp(v ot.VersionVector, siteID string) bool {
	if !s.replica.Covers(v) {
		return false
	}
	local := s.replica.Version()
	for site, seq := range v {
		if site != siteID && seq > local.Get(site) {
			return false
		}
	}
	return true
}

func (s *session) op(ctx context.Context, m Message) {
	p := s.participants[m.ClientID]
	switch {
	case p == nil:
		s.replyError(ctx, m.ClientID, CodeNotJoined, errors.New("join first"))
		return
	case m.Op == nil:
		s.replyError(ctx, m.ClientID, CodeBadRequest, errors.New("op message without op"))
		return
	case !p.member.CanEdit:
		s.replyError(ctx, m.ClientID, CodePermissionDenied, fmt.Errorf("%w: read-only participant", auth.ErrForbidden))
		return
	}
	if owner, ok := s.sites[m.Op.SiteID]; !ok || owner != p.member.UserID {
		s.rejectOp(ctx, m, fmt.Errorf("%w: site %s does not belong to this participant", collab.ErrInvalidOperation, m.Op.SiteID))
		return
	}

	applied, err := s.replica.Integrate(*m.Op)
	if err != nil {
		log.Printf("session %s: reject %s from %s: %v", s.key, m.Op.ID(), m.ClientID, err)
		if errors.Is(err, collab.ErrOutOfRange) {
			s.resync(ctx, m.ClientID)
			return
		}
		s.rejectOp(ctx, m, err)
		return
	}

	n, ferr := s.flush(ctx)
	if ferr != nil {
		log.Printf("session %s: %v", s.key, ferr)
	}
	for _, a := range applied {
		s.shiftCursors(a.Delta)
		relay := Message{Type: MsgOp, Session: s.key, Op: &a.Op}
		if a.Op.SiteID == m.Op.SiteID {
			relay.ClientID = m.ClientID
		}
		s.c.send(ctx, relay)
	}
	switch {
	case n > 0:
		s.broadcastAck(ctx)
	case ferr == nil && s.durable.Includes(m.Op.ID()):
		// 重发的操作早已落盘，只回给发送方
		s.c.send(ctx, Message{Type: MsgAck, Session: s.key, To: m.ClientID, Version: s.durable.Copy()})
	}
}

func (s *session) sync(ctx context.Context, m Message) {
	if s.participants[m.ClientID] == nil {
		s.replyError(ctx, m.ClientID, CodeNotJoined, errors.New("join first"))
		return
	}
	if m.Epoch != s.replica.Epoch() || !s.canCatchUp(m.Version, s.participants[m.ClientID].member.SiteID) {
		s.resync(ctx, m.ClientID)
		return
	}
	s.c.send(ctx, Message{
		Type:    MsgCatchup,
		Session: s.key,
		To:      m.ClientID,
		Epoch:   s.replica.Epoch(),
		Version: s.durable.Copy(),
		Ops:     slices.Collect(s.replica.Log().OperationsSince(m.Version)),
	})
}

func (s *session) resync(ctx context.Context, clientID string) {
	snap := s.replica.Snapshot()
	s.c.send(ctx, Message{
		Type:     MsgResync,
		Session:  s.key,
		To:       clientID,
		Epoch:    snap.Epoch,
		Version:  s.durable.Copy(),
		Snapshot: &snap,
	})
}

func (s *session) cursor(ctx context.Context, m Message) {
	p := s.participants[m.ClientID]
	if p == nil || m.Cursor == nil {
		return
	}
	n := s.replica.Len()
	p.cursor = cache.Cursor{
		Position:  min(max(m.Cursor.Position, 0), n),
		Anchor:    min(max(m.Cursor.Anchor, 0), n),
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := s.c.d.Presence.SetCursor(ctx, s.key, m.ClientID, p.cursor); err != nil {
		log.Printf("set cursor error: %v", err)
	}
	c := p.cursor
	s.c.send(ctx, Message{Type: MsgCursor, Session: s.key, ClientID: m.ClientID, Cursor: &c})
}

// 所有光标随文档变动平移；参与者各自对远端光标做同样的平移，所以不必重发
func (s *session) shiftCursors(d delta.Delta) {
	if d.Empty() {
		return
	}
	for _, p := range s.participants {
		p.cursor.Position = d.TransformIndex(p.cursor.Position)
		p.cursor.Anchor = d.TransformIndex(p.cursor.Anchor)
	}
}

func (s *session) removeParticipant(ctx context.Context, clientID string) {
	p := s.participants[clientID]
	if p == nil {
		return
	}
	delete(s.participants, clientID)
	if err := s.c.d.Presence.RemoveMember(ctx, s.key, clientID); err != nil {
		log.Printf("remove member error: %v", err)
	}
	log.Printf("session %s: client %s (%s) left", s.key, clientID, p.member.Username)
}

func (s *session) members() []cache.Member {
	out := make([]cache.Member, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.member)
	}
	slices.SortFunc(out, func(a, b cache.Member) int { return strings.Compare(a.ClientID, b.ClientID) })
	return out
}

func (s *session) broadcastPresence(ctx context.Context) {
	if len(s.participants) == 0 {
		return
	}
	s.c.send(ctx, Message{Type: MsgPresence, Session: s.key, Members: s.members()})
}

func (s *session) broadcastAck(ctx context.Context) {
	s.c.send(ctx, Message{Type: MsgAck, Session: s.key, Version: s.durable.Copy()})
}

func (s *session) replyError(ctx context.Context, clientID, code string, err error) {
	s.c.send(ctx, Message{Type: MsgError, Session: s.key, To: clientID, Code: code, Error: err.Error()})
}

// rejectOp 永久拒绝：带上操作本身，发送方据此把它移出 outbox
func (s *session) rejectOp(ctx context.Context, m Message, err error) {
	s.c.send(ctx, Message{Type: MsgError, Session: s.key, To: m.ClientID, Code: CodeInvalidOperation, Error: err.Error(), Op: m.Op})
}

func (s *session) info() Info {
	return Info{
		Session:      s.key,
		Epoch:        s.replica.Epoch(),
		Text:         s.replica.Text(),
		Version:      s.replica.Version(),
		Participants: s.members(),
		Live:         true,
	}
}

// flush 把还没落盘的操作追加到日志，返回写入的数量
func (s *session) flush(ctx context.Context) (int, error) {
	ops := s.replica.Log().After(s.flushed)
	if len(ops) == 0 {
		return 0, nil
	}
	if err := s.c.d.Journal.Append(s.key, s.replica.Epoch(), ops); err != nil {
		return 0, fmt.Errorf("%w: journal append: %v", collab.ErrStorageFailure, err)
	}
	from := s.flushed
	s.flushed = s.replica.Log().Head()
	for i, op := range ops {
		s.durable.Advance(op.ID())
		s.publish(ctx, collab.Applied{Op: op, Position: from + collab.LogPosition(i) + 1})
	}
	return len(ops), nil
}

func (s *session) publish(ctx context.Context, a collab.Applied) {
	if s.c.d.Events == nil {
		return
	}
	evt := collab.NewOpLoggedEvent(s.key, s.replica.Epoch(), fmt.Sprint(s.sites[a.Op.SiteID]), a)
	ectx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.c.d.Events.Enqueue(ectx, evt); err != nil {
		log.Printf("enqueue op event %s error: %v", evt.OpID, err)
	}
}

// tick 返回 false 表示租约已经归别的节点
func (s *session) tick(ctx context.Context) bool {
	// 续约时发现上一任换过人，说明租约曾经过期被别人拿过，内存里的状态已经不可信
	fresh, err := s.c.claim(ctx, s.key)
	switch {
	case errors.Is(err, errOwnedElsewhere), err == nil && fresh:
		return false
	case err != nil:
		log.Printf("session %s: renew lease: %v", s.key, err)
	}
	now := time.Now()
	evicted := false
	for cid, p := range s.participants {
		if now.Sub(p.lastSeen) > s.c.opt.ParticipantTimeout {
			s.removeParticipant(ctx, cid)
			evicted = true
			continue
		}
		if err := s.c.d.Presence.AddMember(ctx, s.key, p.member, s.c.opt.PresenceTTL); err != nil {
			log.Printf("refresh member error: %v", err)
		}
	}
	if evicted {
		s.broadcastPresence(ctx)
	}
	s.persist(ctx)
	return true
}

// persist 补写日志、写回文件、记录历史快照、写 checkpoint。
// 失败只记日志，编辑在内存里继续，下个周期重试。
func (s *session) persist(ctx context.Context) {
	n, err := s.flush(ctx)
	if err != nil {
		log.Printf("session %s: %v", s.key, err)
		return
	}
	if n > 0 {
		s.broadcastAck(ctx)
	}
	head := s.replica.Log().Head()
	if head == s.saved {
		return
	}
	snap := s.replica.Snapshot()
	sctx, cancel := context.WithTimeout(ctx, s.c.opt.StorageTimeout)
	defer cancel()
	if _, err := s.c.d.Files.UpdateFileContent(sctx, s.projectID, s.fileID, snap.Text); err != nil {
		log.Printf("session %s: %v", s.key, fmt.Errorf("%w: update file: %v", collab.ErrStorageFailure, err))
		return
	}
	if s.c.d.History != nil {
		if err := s.c.d.History.SaveSnapshot(sctx, s.key, snap); err != nil {
			log.Printf("session %s: save snapshot history error: %v", s.key, err)
		}
	}
	if err := s.c.d.Journal.Checkpoint(s.key, snap); err != nil {
		log.Printf("session %s: checkpoint error: %v", s.key, err)
	}
	s.saved = head
}
