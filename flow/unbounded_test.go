package flow

import (
	"context"
	"testing"
	"time"
)

func TestUnboundedQueuePushPop(t *testing.T) {
	q := NewUnboundedQueue[int]()
	q.Push(1)
	q.Push(2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok := q.Pop(ctx)
	if !ok || v != 1 {
		t.Fatalf("expected 1, got %d ok=%v", v, ok)
	}
	v, ok = q.Pop(ctx)
	if !ok || v != 2 {
		t.Fatalf("expected 2, got %d ok=%v", v, ok)
	}
}

func TestUnboundedQueuePopBlocksUntilPush(t *testing.T) {
	q := NewUnboundedQueue[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan string, 1)
	go func() {
		v, ok := q.Pop(ctx)
		if ok {
			resultCh <- v
		} else {
			resultCh <- ""
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("hello")

	select {
	case v := <-resultCh:
		if v != "hello" {
			t.Fatalf("expected hello, got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Pop to unblock")
	}
}

func TestUnboundedQueueCloseUnblocksPop(t *testing.T) {
	q := NewUnboundedQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Pop to report ok=false after Close with no items")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Close to unblock Pop")
	}
}

func TestUnboundedQueuePopRespectsContextCancellation(t *testing.T) {
	q := NewUnboundedQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	if ok {
		t.Fatalf("expected Pop to report ok=false once context is cancelled")
	}
}

func TestUnboundedQueueDrain(t *testing.T) {
	q := NewUnboundedQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	drained := q.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained items, got %d", len(drained))
	}
	if len(q.Drain()) != 0 {
		t.Fatalf("expected queue to be empty after drain")
	}
}
