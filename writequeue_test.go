package hio

import (
	"testing"
	"time"
)

func TestWriteQueueEnqueueAndDrain(t *testing.T) {
	var q writeQueue

	c1, err := q.enqueue([]byte("hello"), "ctx1", time.Time{}, DefaultMaxWriteChunk)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if string(c1.buf) != "hello" {
		t.Fatalf("unexpected copied payload: %q", c1.buf)
	}

	if q.empty() {
		t.Fatalf("queue should not be empty after enqueue")
	}
	if got := q.front(); got != c1 {
		t.Fatalf("front() mismatch")
	}
	q.popFront()
	if !q.empty() {
		t.Fatalf("queue should be empty after popping the only chunk")
	}
}

func TestWriteQueueZeroLengthShutsDownWriteSide(t *testing.T) {
	var q writeQueue

	if _, err := q.enqueue(nil, nil, time.Time{}, DefaultMaxWriteChunk); err != nil {
		t.Fatalf("zero-length enqueue: %v", err)
	}
	if !q.closedForWrite {
		t.Fatalf("zero-length write must close the write side")
	}
	if _, err := q.enqueue([]byte("late"), nil, time.Time{}, DefaultMaxWriteChunk); err == nil {
		t.Fatalf("expected write after shutdown to be rejected")
	} else if err.Code != CodePipeClosed {
		t.Fatalf("expected CodePipeClosed, got %v", err.Code)
	}
}

func TestWriteQueueDrainAsFailedReportsEveryChunk(t *testing.T) {
	var q writeQueue
	q.enqueue([]byte("a"), "c1", time.Time{}, DefaultMaxWriteChunk)
	q.enqueue([]byte("b"), "c2", time.Time{}, DefaultMaxWriteChunk)

	var seen []any
	q.drainAsFailed(func(c *writeChunk) { seen = append(seen, c.ctx) })

	if len(seen) != 2 || seen[0] != "c1" || seen[1] != "c2" {
		t.Fatalf("drainAsFailed did not visit all chunks in order: %v", seen)
	}
	if !q.empty() {
		t.Fatalf("queue must be empty after drainAsFailed")
	}
}

func TestWriteQueueDiscardAllIsSilent(t *testing.T) {
	var q writeQueue
	q.enqueue([]byte("a"), "c1", time.Time{}, DefaultMaxWriteChunk)
	q.discardAll()
	if !q.empty() {
		t.Fatalf("queue must be empty after discardAll")
	}
}

func TestWriteQueueRejectsWriteAboveMaxChunk(t *testing.T) {
	var q writeQueue
	if _, err := q.enqueue(make([]byte, 8), "ctx", time.Time{}, 4); err == nil {
		t.Fatalf("expected write above maxChunk to be rejected")
	} else if err.Code != CodeInvalidArgument {
		t.Fatalf("expected CodeInvalidArgument, got %v", err.Code)
	}
}

func TestChunkBufPoolRoundTrip(t *testing.T) {
	b := getChunkBuf(128)
	if len(b) != 128 {
		t.Fatalf("expected len 128, got %d", len(b))
	}
	putChunkBuf(b)
	b2 := getChunkBuf(64)
	if len(b2) != 64 {
		t.Fatalf("expected len 64, got %d", len(b2))
	}
}
