package transport

import "context"

const UpChannel = "collab:up"

// DownChannel 协调者发给某个会话参与者的频道；session = projectId/fileId
func DownChannel(session string) string { return "collab:down:" + session }

type Handler func(payload []byte)

// Transport 按频道收发的消息通道。同一个订阅上的消息按发送顺序到达，
// 不保证送达（离线期间的消息会丢，靠重连后的追平补齐）。
type Transport interface {
	Send(ctx context.Context, channel string, payload []byte) error
	OnReceive(channel string, h Handler) (cancel func(), err error)
}

// Watcher 由能感知连接断开/恢复的传输实现
type Watcher interface {
	Watch(fn func(up bool))
}
