package msgqueue_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/smpbroker/broker/internal/msgqueue"
	"github.com/smpbroker/broker/internal/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWriteOrderPreservedByPeek(t *testing.T) {
	s := msgqueue.NewStore(10)
	q := s.GetOrCreate("rid")

	for _, body := range []string{"a", "b", "c"} {
		if err := q.Write(msgqueue.Message{MsgID: proto.ID(body), Body: []byte(body)}); err != nil {
			t.Fatalf("Write(%s): %v", body, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, ok := q.TryPeek()
		if !ok || string(msg.Body) != want {
			t.Fatalf("TryPeek = %v, %v, want %s", msg, ok, want)
		}
		next, ok := q.TryDelPeek(msg.MsgID)
		if !ok {
			t.Fatalf("TryDelPeek(%s) = false", msg.MsgID)
		}
		_ = next
	}

	if _, ok := q.TryPeek(); ok {
		t.Fatalf("TryPeek on drained queue returned a message")
	}
}

func TestWriteQuotaExceeded(t *testing.T) {
	s := msgqueue.NewStore(2)
	q := s.GetOrCreate("rid")

	if err := q.Write(msgqueue.Message{MsgID: "1"}); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := q.Write(msgqueue.Message{MsgID: "2"}); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	err := q.Write(msgqueue.Message{MsgID: "3"})
	if _, ok := err.(msgqueue.ErrFull); !ok {
		t.Fatalf("Write 3 = %v, want ErrFull", err)
	}
}

func TestTryDelPeekRequiresMatchingHead(t *testing.T) {
	s := msgqueue.NewStore(10)
	q := s.GetOrCreate("rid")
	q.Write(msgqueue.Message{MsgID: "1", Body: []byte("a")})
	q.Write(msgqueue.Message{MsgID: "2", Body: []byte("b")})

	// Stale ack: doesn't match the head, queue is untouched.
	if _, ok := q.TryDelPeek("2"); ok {
		t.Fatalf("TryDelPeek with stale msgId reported success")
	}
	head, _ := q.TryPeek()
	if head.MsgID != "1" {
		t.Fatalf("head = %s after stale ack, want 1", head.MsgID)
	}

	next, ok := q.TryDelPeek("1")
	if !ok || next.MsgID != "2" {
		t.Fatalf("TryDelPeek(1) = %v, %v, want msg 2", next, ok)
	}
}

func TestPeekBlockingWaitsForArrival(t *testing.T) {
	s := msgqueue.NewStore(10)
	q := s.GetOrCreate("rid")

	type result struct {
		msg msgqueue.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := q.PeekBlocking(context.Background())
		done <- result{msg, err}
	}()

	select {
	case <-done:
		t.Fatalf("PeekBlocking returned before a message was written")
	case <-time.After(20 * time.Millisecond):
	}

	if err := q.Write(msgqueue.Message{MsgID: "late", Body: []byte("hi")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil || string(r.msg.Body) != "hi" {
			t.Fatalf("PeekBlocking = %v, %v", r.msg, r.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("PeekBlocking never returned after Write")
	}
}

func TestPeekBlockingCancelledByContext(t *testing.T) {
	s := msgqueue.NewStore(10)
	q := s.GetOrCreate("rid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.PeekBlocking(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("PeekBlocking returned nil error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatalf("PeekBlocking never returned after cancel")
	}
}

func TestStoreGetOrCreateIsIdempotent(t *testing.T) {
	s := msgqueue.NewStore(10)
	a := s.GetOrCreate("rid")
	b := s.GetOrCreate("rid")
	if a != b {
		t.Fatalf("GetOrCreate returned distinct queues for the same id")
	}
}

func TestStoreDeleteRemovesQueue(t *testing.T) {
	s := msgqueue.NewStore(10)
	s.GetOrCreate("rid")
	s.Delete("rid")
	if _, ok := s.Get("rid"); ok {
		t.Fatalf("queue still present after Delete")
	}
}
