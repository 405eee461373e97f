package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/httpapi/middleware"
	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/store"
	"codeCollab/backend/internal/transport"
)

type testServer struct {
	srv    *httptest.Server
	coord  *session.Coordinator
	tokens *auth.Tokens
	roles  *store.MemoryRoleStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := transport.NewMemoryBus()
	files := store.NewMemoryFileStore()
	files.Put(store.File{ID: "f1", Name: "main.go", ProjectID: "p1", Content: "package main"})
	ts := &testServer{tokens: auth.NewTokens([]byte("test-secret")), roles: store.NewMemoryRoleStore()}
	authz := auth.NewJWTAuthorizer(ts.tokens, ts.roles)

	ts.coord = session.NewCoordinator(session.Deps{
		Transport: bus.Peer("coordinator"),
		Files:     files,
		Journal:   store.NewMemoryJournal(),
		Auth:      authz,
	}, session.Options{})
	if err := ts.coord.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(ts.coord.Close)

	m := NewManager(bus.Peer("ws"), nil, Options{PingInterval: time.Second})
	r := gin.New()
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware(authz))
	g.GET("/ws", m.WebSocketConnect)
	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) token(t *testing.T, userID uint64, role store.Role) string {
	t.Helper()
	_ = ts.roles.SetRole(context.Background(), "p1", strconv.FormatUint(userID, 10), role)
	tok, _, err := ts.tokens.SignAccessToken(userID, "u"+strconv.FormatUint(userID, 10), time.Hour)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}
	return tok
}

func (ts *testServer) url(query string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/collab/ws?" + query
}

func (ts *testServer) participant(t *testing.T, userID uint64, role store.Role) (*session.Client, *transport.WSClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wc, err := transport.Dial(ctx, ts.url("projectId=p1&fileId=f1&token="+ts.token(t, userID, role)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	c := session.NewClient(wc, "p1", "f1", "", session.ClientOptions{HeartbeatInterval: 50 * time.Millisecond})
	t.Cleanup(func() {
		c.Close()
		wc.Close()
	})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c, wc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_BridgesParticipants(t *testing.T) {
	ts := newTestServer(t)
	a, _ := ts.participant(t, 1, store.RoleOwner)
	b, _ := ts.participant(t, 2, store.RoleEditor)

	if err := a.Insert(12, "\n\nfunc main() {}"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := b.Insert(0, "// demo\n"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	want := "// demo\npackage main\n\nfunc main() {}"
	eventually(t, "participants to converge", func() bool {
		return a.Text() == want && b.Text() == want && a.Unacknowledged() == 0 && b.Unacknowledged() == 0
	})
	if got := len(a.Members()); got != 2 {
		t.Fatalf("Members() = %d, want 2", got)
	}
}

func TestManager_NormalCloseLeavesSession(t *testing.T) {
	ts := newTestServer(t)
	_, wc := ts.participant(t, 1, store.RoleEditor)
	if got := len(ts.coord.Active()); got != 1 {
		t.Fatalf("Active() = %d sessions, want 1", got)
	}
	// 只关 websocket（不发 leave），桥接层发出 leave
	wc.Close()
	eventually(t, "session to close", func() bool { return len(ts.coord.Active()) == 0 })
}

func TestManager_RejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, 1, store.RoleEditor)
	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"no token", "projectId=p1&fileId=f1", http.StatusUnauthorized},
		{"no file", "projectId=p1&token=" + tok, http.StatusBadRequest},
	}
	for _, c := range cases {
		resp, err := http.Get(ts.srv.URL + "/collab/ws?" + c.query)
		if err != nil {
			t.Fatalf("%s: GET error = %v", c.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != c.want {
			t.Fatalf("%s: status = %d, want %d", c.name, resp.StatusCode, c.want)
		}
	}
}

// rawConn 不经过 session.Client，直接收发协议消息
type rawConn struct {
	t    *testing.T
	conn *websocket.Conn
	msgs chan session.Message
}

func (ts *testServer) raw(t *testing.T, userID uint64, role store.Role) *rawConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url("projectId=p1&fileId=f1&token="+ts.token(t, userID, role)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	rc := &rawConn{t: t, conn: conn, msgs: make(chan session.Message, 256)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(rc.msgs)
				return
			}
			if m, err := session.Decode(data); err == nil {
				rc.msgs <- m
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return rc
}

func (rc *rawConn) write(m session.Message) {
	rc.t.Helper()
	if err := rc.conn.WriteJSON(m); err != nil {
		rc.t.Fatalf("WriteJSON() error = %v", err)
	}
}

// next 等第一条满足 match 的消息
func (rc *rawConn) next(what string, match func(session.Message) bool) session.Message {
	rc.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-rc.msgs:
			if !ok {
				rc.t.Fatalf("connection closed while waiting for %s", what)
			}
			if match(m) {
				return m
			}
		case <-timeout:
			rc.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestManager_ConnectionIdentityIsEnforced(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := ts.participant(t, 1, store.RoleOwner)

	v := ts.raw(t, 9, store.RoleViewer)
	v.write(session.Message{Type: session.MsgJoin, ClientID: "mallory"})
	welcome := v.next("welcome", func(m session.Message) bool { return m.Type == session.MsgWelcome })
	if welcome.To != "mallory" || welcome.CanEdit {
		t.Fatalf("welcome = to %q canEdit %v, want to mallory read-only", welcome.To, welcome.CanEdit)
	}

	// 在线列表里能看到 owner 的总线 clientId 和 site
	var ownerBus, ownerSite string
	v.next("presence with owner", func(m session.Message) bool {
		for _, mem := range m.Members {
			if m.Type == session.MsgPresence && mem.UserID == 1 {
				ownerBus, ownerSite = mem.ClientID, mem.SiteID
				return true
			}
		}
		return false
	})
	if ownerBus == owner.ClientID() {
		t.Fatalf("bus clientId equals the client-chosen id")
	}

	// 冒充 owner 发操作、发 leave
	forged := ot.NewInsert(ownerSite, owner.Version().Get(ownerSite)+1, owner.Version(), 0, "PWNED ")
	v.write(session.Message{Type: session.MsgOp, ClientID: ownerBus, Op: &forged, UserID: 1})
	denied := v.next("permission error", func(m session.Message) bool { return m.Type == session.MsgError })
	if denied.Code != session.CodePermissionDenied {
		t.Fatalf("forged op reply = %s %s, want PERMISSION_DENIED", denied.Code, denied.Error)
	}
	v.write(session.Message{Type: session.MsgLeave, ClientID: ownerBus})

	if err := owner.Insert(12, "\n"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	eventually(t, "owner's own edit to be acked", func() bool { return owner.Unacknowledged() == 0 })
	// 冒充的 leave 只会让发送者自己离开
	var info session.Info
	eventually(t, "forged leave to remove only the sender", func() bool {
		var err error
		info, err = ts.coord.Peek(context.Background(), "p1", "f1")
		return err == nil && len(info.Participants) == 1 && info.Participants[0].UserID == 1
	})
	if info.Text != "package main\n" || owner.Text() != info.Text {
		t.Fatalf("text = server %q owner %q, want %q", info.Text, owner.Text(), "package main\n")
	}
}

func TestManager_NoBroadcastBeforeJoin(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := ts.participant(t, 1, store.RoleOwner)
	// 有合法 token 但不是项目成员，也从不加入
	outsider := ts.raw(t, 5, "")

	if err := owner.Insert(0, "// secret\n"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	eventually(t, "ack", func() bool { return owner.Unacknowledged() == 0 })

	select {
	case m, ok := <-outsider.msgs:
		if ok {
			t.Fatalf("outsider received %s before joining", m.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}

	outsider.write(session.Message{Type: session.MsgJoin, ClientID: "outsider"})
	reply := outsider.next("join reply", func(m session.Message) bool { return true })
	if reply.Type != session.MsgError || reply.Code != session.CodePermissionDenied || reply.To != "outsider" {
		t.Fatalf("join reply = %+v, want PERMISSION_DENIED", reply)
	}
}
