package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeCollab/backend/internal/collab"
)

const defaultWriteWait = 10 * time.Second

// WSClient 通过 collab-service 的 /collab/ws 接入。
// 一条 websocket 只属于一个会话：发出去的都进 collab:up，收到的都是本会话的下行消息，
// 所以这里忽略 channel 参数。连接断开后，下一次 Send 会重新拨号。
type WSClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	nextID   uint64
	handlers map[uint64]Handler
	watchers []func(up bool)

	writeMu sync.Mutex
}

func Dial(ctx context.Context, url string, header http.Header) (*WSClient, error) {
	c := &WSClient{
		url:      url,
		header:   header,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[uint64]Handler),
	}
	if _, err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: client closed", collab.ErrTransportFailure)
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", collab.ErrTransportFailure, c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", collab.ErrTransportFailure, c.url, err)
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		// 并发拨号或已关闭，保留先到的那条
		existing := c.conn
		c.mu.Unlock()
		conn.Close()
		if existing == nil {
			return nil, fmt.Errorf("%w: client closed", collab.ErrTransportFailure)
		}
		return existing, nil
	}
	c.conn = conn
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()

	go c.readLoop(conn)
	for _, fn := range watchers {
		fn(true)
	}
	return conn, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read error: %v", err)
			}
			c.drop(conn)
			return
		}
		c.mu.Lock()
		handlers := make([]Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(data)
		}
	}
}

func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()
	conn.Close()
	for _, fn := range watchers {
		fn(false)
	}
}

func (c *WSClient) Send(ctx context.Context, channel string, payload []byte) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn)
		return fmt.Errorf("%w: write: %v", collab.ErrTransportFailure, err)
	}
	return nil
}

func (c *WSClient) OnReceive(channel string, h Handler) (func(), error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}, nil
}

func (c *WSClient) Watch(fn func(up bool)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
