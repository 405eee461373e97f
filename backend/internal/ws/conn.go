package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/transport"
)

// Conn 一条浏览器连接。总线上用服务端分配的 bus 作为 clientId，
// 上行消息一律盖上鉴权中间件认出的 userId，客户端自己报的 clientId 只在这条连接内使用。
type Conn struct {
	ws      *websocket.Conn
	m       *Manager
	session string
	token   string
	userID  uint64
	bus     string

	mu     sync.Mutex
	client string // 第一条上行消息里的 clientId，之后固定
	joined bool   // 收到过自己的 welcome 之后才转发广播
	closed bool
	send   chan []byte
	done   chan struct{}
}

func newConn(ws *websocket.Conn, m *Manager, sessionKey, token string, userID uint64) *Conn {
	return &Conn{
		ws:      ws,
		m:       m,
		session: sessionKey,
		token:   token,
		userID:  userID,
		bus:     uuid.NewString(),
		send:    make(chan []byte, m.opt.SendQueue),
		done:    make(chan struct{}),
	}
}

func (c *Conn) clientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// deliver 下行订阅回调
func (c *Conn) deliver(payload []byte) {
	msg, err := session.Decode(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (msg.To != "" && msg.To != c.bus) {
		return
	}
	if !c.joined {
		if msg.To == "" {
			return
		}
		c.joined = msg.Type == session.MsgWelcome
	}
	b, err := session.Encode(c.localize(msg))
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		// 慢消费者：断开，让客户端重连后追平
		log.Printf("client %s on %s is too slow, closing", c.client, c.session)
		c.closeLocked()
	}
}

// localize 把总线上的 clientId 换回客户端自己的
func (c *Conn) localize(msg session.Message) session.Message {
	if msg.To == c.bus {
		msg.To = c.client
	}
	if msg.ClientID == c.bus {
		msg.ClientID = c.client
	}
	for i := range msg.Members {
		if msg.Members[i].ClientID == c.bus {
			msg.Members[i].ClientID = c.client
		}
	}
	return msg
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.closeLocked()
		c.mu.Unlock()
	}()
	c.ws.SetReadLimit(c.m.opt.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(2 * c.m.opt.PingInterval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.m.opt.PingInterval))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// 正常关闭（关页面、客户端 Close）才算离开；异常断开等会话超时清理
				c.leave(ctx)
			} else {
				log.Printf("read message error (session=%s client=%s): %v", c.session, c.clientID(), err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(2 * c.m.opt.PingInterval))

		msg, err := session.Decode(data)
		if err != nil {
			c.reply(session.Message{Type: session.MsgError, Session: c.session, Code: session.CodeBadRequest, Error: err.Error()})
			continue
		}
		c.mu.Lock()
		if c.client == "" {
			c.client = msg.ClientID
		}
		pinned := c.client
		c.mu.Unlock()
		if pinned == "" {
			c.reply(session.Message{Type: session.MsgError, Session: c.session, Code: session.CodeBadRequest, Error: "missing clientId"})
			continue
		}
		msg.ClientID = c.bus
		msg.UserID = c.userID
		msg.Session = c.session
		if msg.Type == session.MsgJoin && msg.Token == "" {
			msg.Token = c.token
		}
		if err := c.publish(ctx, msg); err != nil {
			log.Printf("publish %s error: %v", msg.Type, err)
			return
		}
	}
}

func (c *Conn) publish(ctx context.Context, msg session.Message) error {
	b, err := session.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.m.sem.Acquire(ctx); err != nil {
		return err
	}
	defer c.m.sem.Release()
	ctx, cancel := context.WithTimeout(ctx, c.m.opt.WriteTimeout)
	defer cancel()
	return c.m.t.Send(ctx, transport.UpChannel, b)
}

func (c *Conn) leave(ctx context.Context) {
	// 从没发过消息的连接不在会话里
	if c.clientID() == "" {
		return
	}
	leave := session.Message{Type: session.MsgLeave, Session: c.session, ClientID: c.bus, UserID: c.userID}
	if err := c.publish(context.WithoutCancel(ctx), leave); err != nil {
		log.Printf("publish leave error: %v", err)
	}
}

// reply 直接回给这条连接，不经过总线
func (c *Conn) reply(msg session.Message) {
	b, err := session.Encode(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.m.opt.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.m.opt.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("write message error (session=%s): %v", c.session, err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.m.opt.WriteTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
