package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/store"
	"codeCollab/backend/internal/transport"
)

const testSecret = "test-secret"

// flakyFiles UpdateFileContent 前 failures 次失败
type flakyFiles struct {
	*store.MemoryFileStore
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyFiles) UpdateFileContent(ctx context.Context, projectID, fileID, content string) (*store.File, error) {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("mysql: connection refused")
	}
	return f.MemoryFileStore.UpdateFileContent(ctx, projectID, fileID, content)
}

type eventRecorder struct {
	mu   sync.Mutex
	evts []collab.OpLoggedEvent
}

func (r *eventRecorder) Enqueue(ctx context.Context, evt collab.OpLoggedEvent) error {
	r.mu.Lock()
	r.evts = append(r.evts, evt)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) ops() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, e := range r.evts {
		out[e.OpID]++
	}
	return out
}

type harness struct {
	t       *testing.T
	bus     *transport.MemoryBus
	files   *flakyFiles
	roles   *store.MemoryRoleStore
	journal *store.MemoryJournal
	events  *eventRecorder
	tokens  *auth.Tokens
	coord   *Coordinator
}

func newHarness(t *testing.T, opt Options) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		bus:     transport.NewMemoryBus(),
		files:   &flakyFiles{MemoryFileStore: store.NewMemoryFileStore()},
		roles:   store.NewMemoryRoleStore(),
		journal: store.NewMemoryJournal(),
		events:  &eventRecorder{},
		tokens:  auth.NewTokens([]byte(testSecret)),
	}
	h.files.Put(store.File{ID: "f1", Name: "index.js", ProjectID: "p1", Content: "hello"})
	h.coord = h.coordinator("coordinator", h.journal, nil, opt)
	return h
}

// coordinator 在同一条总线上再起一个节点
func (h *harness) coordinator(node string, journal store.Journal, lease cache.Lease, opt Options) *Coordinator {
	h.t.Helper()
	opt.NodeID = node
	c := NewCoordinator(Deps{
		Transport: h.bus.Peer(node),
		Files:     h.files,
		Journal:   journal,
		Auth:      auth.NewJWTAuthorizer(h.tokens, h.roles),
		Events:    h.events,
		Lease:     lease,
	}, opt)
	if err := c.Start(); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
	h.t.Cleanup(c.Close)
	return c
}

// sendRaw 绕过 Client 直接往 collab:up 发消息
func (h *harness) sendRaw(peer *transport.Peer, m Message) {
	h.t.Helper()
	if m.Session == "" {
		m.Session = Key("p1", "f1")
	}
	b, err := Encode(m)
	if err != nil {
		h.t.Fatalf("Encode() error = %v", err)
	}
	if err := peer.Send(context.Background(), transport.UpChannel, b); err != nil {
		h.t.Fatalf("Send() error = %v", err)
	}
}

func (h *harness) token(userID uint64, role store.Role) string {
	h.t.Helper()
	if role != "" {
		_ = h.roles.SetRole(context.Background(), "p1", strconv.FormatUint(userID, 10), role)
	}
	tok, _, err := h.tokens.SignAccessToken(userID, "user"+strconv.FormatUint(userID, 10), time.Hour)
	if err != nil {
		h.t.Fatalf("SignAccessToken() error = %v", err)
	}
	return tok
}

var testClientOptions = ClientOptions{
	JoinTimeout:       time.Second,
	HeartbeatInterval: 50 * time.Millisecond,
	Backoff:           func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
}

// client 新建参与者并等它完成同步
func (h *harness) client(name string, userID uint64, role store.Role) (*Client, *transport.Peer) {
	h.t.Helper()
	peer := h.bus.Peer(name)
	c := NewClient(peer, "p1", "f1", h.token(userID, role), testClientOptions)
	h.t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		h.t.Fatalf("%s: Connect() error = %v", name, err)
	}
	return c, peer
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

// tap 记录某个会话下行频道上的全部消息
type tap struct {
	mu   sync.Mutex
	msgs []Message
}

func (h *harness) tap() *tap {
	tp := &tap{}
	cancel, _ := h.bus.Peer("tap").OnReceive(transport.DownChannel(Key("p1", "f1")), func(b []byte) {
		m, err := Decode(b)
		if err != nil {
			return
		}
		tp.mu.Lock()
		tp.msgs = append(tp.msgs, m)
		tp.mu.Unlock()
	})
	h.t.Cleanup(cancel)
	return tp
}

func (tp *tap) find(match func(Message) bool) []Message {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var out []Message
	for _, m := range tp.msgs {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}
