package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/transport"
)

// 允许本地开发环境的来源
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// 下行队列满了就断开，客户端重连后追平
	SendQueue    int
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	return o
}

// Manager 把浏览器的 websocket 接到消息总线上：上行统一进 collab:up，
// 下行订阅本会话的频道，只转发广播和发给这条连接的消息。
type Manager struct {
	t   transport.Transport
	sem *collab.Semaphore
	opt Options
}

func NewManager(t transport.Transport, sem *collab.Semaphore, opt Options) *Manager {
	if sem == nil {
		sem = collab.NewSemaphore(0)
	}
	return &Manager{t: t, sem: sem, opt: opt.withDefaults()}
}

// WebSocketConnect GET /collab/ws?projectId=&fileId=，鉴权中间件已写入 userId/username/token
func (m *Manager) WebSocketConnect(c *gin.Context) {
	projectID := c.Query("projectId")
	fileID := c.Query("fileId")
	if projectID == "" || fileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "missing projectId or fileId"})
		return
	}
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := newConn(conn, m, session.Key(projectID, fileID), c.GetString("token"), userID)
	log.Printf("websocket connected: user=%d(%s) session=%s bus=%s", userID, username, wsConn.session, wsConn.bus)

	cancel, err := m.t.OnReceive(transport.DownChannel(wsConn.session), wsConn.deliver)
	if err != nil {
		log.Printf("subscribe %s error: %v", wsConn.session, err)
		return
	}
	defer cancel()

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())
	log.Printf("websocket closed: user=%d session=%s client=%s", userID, wsConn.session, wsConn.clientID())
}
