package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/store"
)

func TestCoordinator_ConcurrentEditsConverge(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.client("a", 1, store.RoleOwner)
	b, _ := h.client("b", 2, store.RoleEditor)
	c, _ := h.client("c", 3, store.RoleEditor)

	for _, cl := range []*Client{a, b, c} {
		if got := cl.Text(); got != "hello" {
			t.Fatalf("Text() after join = %q, want %q", got, "hello")
		}
	}

	// 三个参与者同时在同一位置附近编辑
	done := make(chan error, 3)
	for i, cl := range []*Client{a, b, c} {
		go func(i int, cl *Client) {
			for k := 0; k < 10; k++ {
				if err := cl.Insert(k%3, fmt.Sprintf("%d", i)); err != nil {
					done <- err
					return
				}
				if k%4 == 3 {
					if err := cl.Delete(0, 1); err != nil {
						done <- err
						return
					}
				}
			}
			done <- nil
		}(i, cl)
	}
	for range 3 {
		if err := <-done; err != nil {
			t.Fatalf("edit error = %v", err)
		}
	}

	eventually(t, "replicas to converge", func() bool {
		return a.Text() == b.Text() && b.Text() == c.Text() &&
			a.Unacknowledged() == 0 && b.Unacknowledged() == 0 && c.Unacknowledged() == 0
	})
	info, err := h.coord.Peek(context.Background(), "p1", "f1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if !info.Live || info.Text != a.Text() || len(info.Participants) != 3 {
		t.Fatalf("Peek() = %+v, want live session with text %q", info, a.Text())
	}
	if got := info.Version.Total(); got != 36 {
		t.Fatalf("Peek().Version.Total() = %d, want 36", got)
	}

	// 每个落盘的操作恰好发一次事件
	events := h.events.ops()
	if len(events) != 36 {
		t.Fatalf("got %d distinct events, want 36", len(events))
	}
	for id, n := range events {
		if n != 1 {
			t.Fatalf("event %s published %d times", id, n)
		}
	}
}

func TestCoordinator_ReconnectReceivesExactlyTheMissingOps(t *testing.T) {
	h := newHarness(t, Options{})
	tp := h.tap()
	a, _ := h.client("a", 1, store.RoleEditor)
	b, bPeer := h.client("b", 2, store.RoleEditor)

	bPeer.SetOnline(false)
	eventually(t, "b to notice the link is down", func() bool { return b.State() != Synced })
	before := b.Version()

	if err := a.Insert(5, " world"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := a.Delete(0, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	// 离线编辑先在本地生效
	if err := b.Insert(0, ">"); err != nil {
		t.Fatalf("offline Insert() error = %v", err)
	}
	if got := b.Text(); got != ">hello" {
		t.Fatalf("offline Text() = %q, want %q", got, ">hello")
	}
	eventually(t, "a's ops to be acked", func() bool { return a.Unacknowledged() == 0 })

	bPeer.SetOnline(true)
	eventually(t, "replicas to converge", func() bool {
		return b.State() == Synced && a.Text() == b.Text() && b.Unacknowledged() == 0
	})
	if got := a.Text(); got != ">ello world" {
		t.Fatalf("Text() = %q, want %q", got, ">ello world")
	}

	welcomes := tp.find(func(m Message) bool { return m.Type == MsgWelcome && m.To == b.ClientID() })
	last := welcomes[len(welcomes)-1]
	if last.Snapshot != nil {
		t.Fatalf("rejoin welcome carried a snapshot, want catch-up ops")
	}
	var got []string
	for _, op := range last.Ops {
		got = append(got, op.ID().String())
	}
	want := []string{
		ot.OpID{SiteID: a.SiteID(), Seq: 1}.String(),
		ot.OpID{SiteID: a.SiteID(), Seq: 2}.String(),
	}
	if !slices.Equal(got, want) {
		t.Fatalf("catch-up for %s = %v, want %v", before, got, want)
	}
}

func TestCoordinator_ViewerIsReadOnly(t *testing.T) {
	h := newHarness(t, Options{})
	tp := h.tap()
	a, _ := h.client("a", 1, store.RoleEditor)
	v, _ := h.client("viewer", 9, store.RoleViewer)

	if v.CanEdit() {
		t.Fatalf("viewer CanEdit() = true")
	}
	if err := v.Insert(0, "x"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("viewer Insert() error = %v, want ErrForbidden", err)
	}

	// 绕过客户端直接发 op：协调者拒绝
	op := ot.NewInsert(v.SiteID(), 1, v.Version(), 0, "x")
	if err := v.send(Message{Type: MsgOp, Op: &op}); err != nil {
		t.Fatalf("send() error = %v", err)
	}
	eventually(t, "PERMISSION_DENIED reply", func() bool {
		return len(tp.find(func(m Message) bool {
			return m.Type == MsgError && m.To == v.ClientID() && m.Code == CodePermissionDenied
		})) > 0
	})

	// 只读参与者照样收到别人的编辑
	if err := a.Insert(0, "A"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	eventually(t, "viewer to see edits", func() bool { return v.Text() == "Ahello" })
}

func TestCoordinator_RejectsUnauthorizedJoins(t *testing.T) {
	h := newHarness(t, Options{})
	cases := []struct {
		name   string
		token  string
		fileID string
		want   error
	}{
		{"bad token", "not-a-jwt", "f1", auth.ErrUnauthenticated},
		{"not a member", h.token(5, ""), "f1", auth.ErrForbidden},
		{"missing file", h.token(6, store.RoleEditor), "nope", store.ErrFileNotFound},
	}
	for _, c := range cases {
		cl := NewClient(h.bus.Peer(c.name), "p1", c.fileID, c.token, testClientOptions)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := cl.Connect(ctx)
		cancel()
		cl.Close()
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: Connect() error = %v, want %v", c.name, err, c.want)
		}
	}
}

func TestCoordinator_StorageFailureIsRetried(t *testing.T) {
	h := newHarness(t, Options{SnapshotInterval: 20 * time.Millisecond})
	a, _ := h.client("a", 1, store.RoleEditor)
	b, _ := h.client("b", 2, store.RoleEditor)

	// 日志写不进去：操作照样转发，但不 ack
	h.journal.FailAppends(errors.New("disk full"))
	if err := a.Insert(5, "!"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	eventually(t, "b to receive the op", func() bool { return b.Text() == "hello!" })
	time.Sleep(60 * time.Millisecond)
	if got := a.Unacknowledged(); got != 1 {
		t.Fatalf("Unacknowledged() = %d while journal is failing, want 1", got)
	}

	// 日志恢复后文件存储再失败两次
	h.files.failures.Store(2)
	h.journal.FailAppends(nil)
	eventually(t, "ack after the journal recovers", func() bool { return a.Unacknowledged() == 0 })
	eventually(t, "file content to be written back", func() bool {
		f, err := h.files.ReadFile(context.Background(), "p1", "f1")
		return err == nil && f.Content == "hello!"
	})
	if got := h.files.attempts.Load(); got < 3 {
		t.Fatalf("UpdateFileContent attempts = %d, want at least 3", got)
	}
}

func TestCoordinator_LastLeaveClosesSession(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.client("a", 1, store.RoleEditor)
	if err := a.Insert(0, "// "); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	eventually(t, "ack", func() bool { return a.Unacknowledged() == 0 })
	epoch := a.replicaEpoch()
	a.Close()

	eventually(t, "session to close", func() bool { return len(h.coord.Active()) == 0 })
	f, err := h.files.ReadFile(context.Background(), "p1", "f1")
	if err != nil || f.Content != "// hello" {
		t.Fatalf("ReadFile() = %v, %v, want content %q", f, err, "// hello")
	}
	if _, err := h.coord.ResetFile(context.Background(), "p1", "f1", "x"); err != nil {
		t.Fatalf("ResetFile() without session error = %v", err)
	}

	// 重置之后新的会话从新内容、新 epoch 开始
	b, _ := h.client("b", 2, store.RoleEditor)
	if got := b.Text(); got != "x" {
		t.Fatalf("Text() after reset = %q, want %q", got, "x")
	}
	if b.replicaEpoch() == epoch {
		t.Fatalf("epoch did not change after reset")
	}
	if _, err := h.coord.ResetFile(context.Background(), "p1", "f1", "y"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("ResetFile() with live session error = %v, want ErrSessionActive", err)
	}
}

func TestCoordinator_RehydratesFromJournal(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.client("a", 1, store.RoleEditor)
	_ = a.Insert(5, " there")
	eventually(t, "ack", func() bool { return a.Unacknowledged() == 0 })
	epoch, site, version := a.replicaEpoch(), a.SiteID(), a.Version()

	// 新的协调者（模拟重启）共用同一个日志
	h.coord.Close()
	h.coord = NewCoordinator(Deps{
		Transport: h.bus.Peer("coordinator-2"),
		Files:     h.files,
		Journal:   h.journal,
		Auth:      auth.NewJWTAuthorizer(h.tokens, h.roles),
	}, Options{})
	if err := h.coord.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.coord.Close)

	// a 收到 NOT_JOINED 后自动重新加入，站点和 epoch 保持不变
	_ = a.Insert(0, "> ")
	eventually(t, "a to rejoin and be acked", func() bool {
		return a.State() == Synced && a.Unacknowledged() == 0
	})
	if a.replicaEpoch() != epoch || a.SiteID() != site {
		t.Fatalf("rejoin changed epoch/site: %s/%s -> %s/%s", epoch, site, a.replicaEpoch(), a.SiteID())
	}
	info, err := h.coord.Peek(context.Background(), "p1", "f1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if info.Text != "> hello there" || !version.LessOrEqual(info.Version) {
		t.Fatalf("Peek() = %q %s", info.Text, info.Version)
	}
}

func TestCoordinator_CursorsFollowEdits(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.client("a", 1, store.RoleEditor)
	b, _ := h.client("b", 2, store.RoleEditor)

	a.SetCursor(5, 5)
	eventually(t, "b to see a's cursor", func() bool {
		cur, ok := b.Cursors()[a.ClientID()]
		return ok && cur.Position == 5
	})
	if err := b.Insert(0, "xx"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if cur := b.Cursors()[a.ClientID()]; cur.Position != 7 || cur.Anchor != 7 {
		t.Fatalf("a's cursor on b = %+v, want 7/7", cur)
	}
	if len(b.Members()) != 2 {
		t.Fatalf("Members() = %+v, want 2", b.Members())
	}
}

func TestCoordinator_SiteOwnershipSurvivesRestart(t *testing.T) {
	h := newHarness(t, Options{})
	tp := h.tap()
	a, _ := h.client("a", 1, store.RoleEditor)
	_ = a.Insert(5, "!")
	eventually(t, "ack", func() bool { return a.Unacknowledged() == 0 })
	epoch, site := a.replicaEpoch(), a.SiteID()

	h.coord.Close()
	h.coord = h.coordinator("coordinator-2", h.journal, nil, Options{})

	// 会话重新打开时，另一个编辑者抢先报上 a 的 site
	h.sendRaw(h.bus.Peer("mallory"), Message{
		Type:     MsgJoin,
		ClientID: "mallory",
		Token:    h.token(2, store.RoleEditor),
		SiteID:   site,
		Epoch:    epoch,
		Version:  a.Version(),
	})
	var welcome Message
	eventually(t, "welcome to mallory", func() bool {
		ws := tp.find(func(m Message) bool { return m.Type == MsgWelcome && m.To == "mallory" })
		if len(ws) == 0 {
			return false
		}
		welcome = ws[0]
		return true
	})
	if welcome.SiteID == site {
		t.Fatalf("site %s was handed to another user after restart", site)
	}

	// a 回来之后还是原来的 site，断线期间的编辑被接受
	_ = a.Insert(0, ">")
	eventually(t, "a to rejoin and be acked", func() bool {
		return a.State() == Synced && a.Unacknowledged() == 0
	})
	if a.SiteID() != site {
		t.Fatalf("a's site changed %s -> %s", site, a.SiteID())
	}
	if got := a.Text(); got != ">hello!" {
		t.Fatalf("Text() = %q, want %q", got, ">hello!")
	}
}

func TestCoordinator_RejectsImpersonation(t *testing.T) {
	h := newHarness(t, Options{})
	tp := h.tap()
	edge := h.bus.Peer("edge")
	denied := func(to string) int {
		return len(tp.find(func(m Message) bool {
			return m.Type == MsgError && m.To == to && m.Code == CodePermissionDenied
		}))
	}

	// 接入层按连接盖上 userId
	h.sendRaw(edge, Message{Type: MsgJoin, ClientID: "edge-1", UserID: 1, Token: h.token(1, store.RoleOwner)})
	var welcome Message
	eventually(t, "welcome to edge-1", func() bool {
		ws := tp.find(func(m Message) bool { return m.Type == MsgWelcome && m.To == "edge-1" })
		if len(ws) == 0 {
			return false
		}
		welcome = ws[0]
		return true
	})

	// token 不属于这条连接的用户
	h.sendRaw(edge, Message{Type: MsgJoin, ClientID: "edge-2", UserID: 9, Token: h.token(1, store.RoleOwner)})
	eventually(t, "join with a foreign token to be denied", func() bool { return denied("edge-2") == 1 })

	// 别的用户拿 edge-1 发操作
	op := ot.NewInsert(welcome.SiteID, 1, welcome.Version, 0, "PWNED ")
	h.sendRaw(edge, Message{Type: MsgOp, ClientID: "edge-1", UserID: 2, Op: &op})
	eventually(t, "forged op to be denied", func() bool { return denied("edge-1") == 1 })

	// 别的用户拿 edge-1 重新加入
	h.sendRaw(edge, Message{Type: MsgJoin, ClientID: "edge-1", UserID: 2, Token: h.token(2, store.RoleEditor)})
	eventually(t, "hijacking join to be denied", func() bool { return denied("edge-1") == 2 })

	info, err := h.coord.Peek(context.Background(), "p1", "f1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if info.Text != "hello" || len(info.Participants) != 1 || info.Participants[0].UserID != 1 {
		t.Fatalf("Peek() = %q %+v, want untouched text and only user 1", info.Text, info.Participants)
	}

	// 本人照常编辑
	h.sendRaw(edge, Message{Type: MsgOp, ClientID: "edge-1", UserID: 1, Op: &op})
	eventually(t, "owner's op to apply", func() bool {
		info, err := h.coord.Peek(context.Background(), "p1", "f1")
		return err == nil && info.Text == "PWNED hello"
	})
}

func TestCoordinator_OneOwnerPerSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.coord.Close()
	tp := h.tap()
	lease := cache.NewMemoryLease()
	opt := Options{SnapshotInterval: 50 * time.Millisecond, LeaseTTL: 300 * time.Millisecond}
	n1 := h.coordinator("node-1", store.NewMemoryJournal(), lease, opt)
	n2 := h.coordinator("node-2", store.NewMemoryJournal(), lease, opt)

	a, _ := h.client("a", 1, store.RoleEditor)
	b, _ := h.client("b", 2, store.RoleEditor)
	for range 5 {
		if err := a.Insert(0, "A"); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if err := b.Insert(0, "B"); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	eventually(t, "replicas to converge", func() bool {
		return a.Text() == b.Text() && a.Unacknowledged() == 0 && b.Unacknowledged() == 0
	})
	text := a.Text()
	if len(text) != 15 || strings.Count(text, "A") != 5 || strings.Count(text, "B") != 5 {
		t.Fatalf("Text() = %q, want all 10 edits on top of hello", text)
	}

	if got := len(n1.Active()) + len(n2.Active()); got != 1 {
		t.Fatalf("sessions across nodes = %d, want 1", got)
	}
	epochs := map[string]bool{}
	welcomes := tp.find(func(m Message) bool { return m.Type == MsgWelcome })
	for _, w := range welcomes {
		epochs[w.Epoch] = true
	}
	if len(welcomes) != 2 || len(epochs) != 1 {
		t.Fatalf("got %d welcomes over %d epochs, want 2 over 1", len(welcomes), len(epochs))
	}
	if got := len(tp.find(func(m Message) bool { return m.Type == MsgResync || m.Code == CodeNotJoined })); got != 0 {
		t.Fatalf("got %d resync/NOT_JOINED messages, want 0", got)
	}
}

func TestCoordinator_TakesOverReleasedSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.coord.Close()
	lease := cache.NewMemoryLease()
	opt := Options{SnapshotInterval: 50 * time.Millisecond, LeaseTTL: 300 * time.Millisecond}
	nodes := []*Coordinator{
		h.coordinator("node-1", store.NewMemoryJournal(), lease, opt),
		h.coordinator("node-2", store.NewMemoryJournal(), lease, opt),
	}

	a, _ := h.client("a", 1, store.RoleEditor)
	_ = a.Insert(5, " world")
	eventually(t, "ack", func() bool { return a.Unacknowledged() == 0 })
	epoch := a.replicaEpoch()

	owner, survivor := nodes[0], nodes[1]
	if len(owner.Active()) == 0 {
		owner, survivor = survivor, owner
	}
	// 正常下线：落盘并释放租约
	owner.Close()

	eventually(t, "a to move to the surviving node", func() bool {
		return a.State() == Synced && a.replicaEpoch() != epoch && len(survivor.Active()) == 1
	})
	if got := a.Text(); got != "hello world" {
		t.Fatalf("Text() after takeover = %q, want %q", got, "hello world")
	}
	_ = a.Insert(0, "> ")
	eventually(t, "ack from the surviving node", func() bool { return a.Unacknowledged() == 0 })
	info, err := survivor.Peek(context.Background(), "p1", "f1")
	if err != nil || info.Text != "> hello world" {
		t.Fatalf("Peek() = %q, %v, want %q", info.Text, err, "> hello world")
	}
}

func TestCoordinator_DeleteFileDropsJournal(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a, _ := h.client("a", 1, store.RoleEditor)
	if err := h.coord.DeleteFile(ctx, "p1", "f1"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("DeleteFile() with live session error = %v, want ErrSessionActive", err)
	}
	a.Close()
	eventually(t, "session to close", func() bool { return len(h.coord.Active()) == 0 })

	if err := h.coord.DeleteFile(ctx, "p1", "f1"); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if st, err := h.journal.Load(Key("p1", "f1")); err != nil || st != nil {
		t.Fatalf("journal after delete = %+v, %v, want nothing", st, err)
	}
	if _, err := h.files.ReadFile(ctx, "p1", "f1"); !errors.Is(err, store.ErrFileNotFound) {
		t.Fatalf("ReadFile() after delete error = %v, want ErrFileNotFound", err)
	}
}
