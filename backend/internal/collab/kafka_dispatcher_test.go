package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"codeCollab/backend/internal/ot"
)

func TestKafkaDispatcher_RetriesThenDelivers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(b []byte) error {
		var evt OpLoggedEvent
		if err := json.Unmarshal(b, &evt); err != nil {
			return err
		}
		if evt.EventType != EventOpLogged || evt.OpID != "A:1" || evt.Session != "p1/f1" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphore(1), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})

	op := ot.NewInsert("A", 1, ot.VersionVector{}, 0, "hi")
	evt := NewOpLoggedEvent("p1/f1", "e1", "42", Applied{Op: op, Position: 1})
	if err := d.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
}

func TestKafkaDispatcher_EnqueueHonoursContext(t *testing.T) {
	// 不启动 worker，队列一直是满的
	d := &KafkaDispatcher{queue: make(chan OpLoggedEvent, 1)}
	d.queue <- OpLoggedEvent{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, OpLoggedEvent{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue(full queue) error = %v, want DeadlineExceeded", err)
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Release(); err == nil {
		t.Fatalf("Release() without Acquire succeeded")
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire(full) error = %v, want Canceled", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
