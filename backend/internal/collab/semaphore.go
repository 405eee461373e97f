package collab

import (
	"context"
	"errors"
)

var DefaultSemaphoreSize = 100

var errNotAcquired = errors.New("release without acquire")

// Semaphore 限制同时进行的外部调用数量
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultSemaphoreSize
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errNotAcquired
	}
}
