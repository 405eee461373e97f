package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"codeCollab/backend/internal/collab"
)

// MemoryBus 进程内的消息总线。每个订阅有自己的投递 goroutine，
// 同一订阅内严格按发布顺序投递。可以把某个 Peer 置为离线来模拟网络故障。
type MemoryBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*subscription
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]*subscription)}
}

// Peer 总线上的一个端点，拥有自己的在线状态
func (b *MemoryBus) Peer(name string) *Peer {
	return &Peer{bus: b, name: name, online: true}
}

func (b *MemoryBus) publish(channel string, payload []byte) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs[channel]))
	for _, s := range b.subs[channel] {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		if !s.peer.Online() {
			continue
		}
		s.push(append([]byte(nil), payload...))
	}
}

func (b *MemoryBus) subscribe(p *Peer, channel string, h Handler) func() {
	s := &subscription{peer: p, h: h, ready: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*subscription)
	}
	b.subs[channel][id] = s
	b.mu.Unlock()
	go s.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
			close(s.done)
		})
	}
}

type subscription struct {
	peer  *Peer
	h     Handler
	mu    sync.Mutex
	queue [][]byte
	ready chan struct{}
	done  chan struct{}
}

func (s *subscription) push(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ready:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, payload := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			if s.peer.Online() {
				s.h(payload)
			}
		}
	}
}

type Peer struct {
	bus  *MemoryBus
	name string

	mu       sync.Mutex
	online   bool
	watchers []func(up bool)
}

func (p *Peer) Send(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Online() {
		return fmt.Errorf("%w: peer %s is offline", collab.ErrTransportFailure, p.name)
	}
	p.bus.publish(channel, payload)
	return nil
}

func (p *Peer) OnReceive(channel string, h Handler) (func(), error) {
	return p.bus.subscribe(p, channel, h), nil
}

func (p *Peer) Watch(fn func(up bool)) {
	p.mu.Lock()
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

func (p *Peer) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// SetOnline 离线时发送失败、收不到任何消息；状态变化会通知 Watch 的回调
func (p *Peer) SetOnline(up bool) {
	p.mu.Lock()
	changed := p.online != up
	p.online = up
	watchers := slices.Clone(p.watchers)
	p.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range watchers {
		fn(up)
	}
}
