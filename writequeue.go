package hio

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxWriteChunk is the per-reactor maximum chunk length (spec §4.3:
// "lengths are unsigned and bounded by a per-reactor maximum (>= 64 KiB)").
const DefaultMaxWriteChunk = 64 * 1024

// writeChunk is one queued write (spec §3 "Write chunk"). buf is an
// owned copy made at enqueue time; written tracks the cursor for partial
// writes; ctx is surfaced back unchanged via OnWrite.
type writeChunk struct {
	buf      []byte
	written  int
	ctx      any
	deadline time.Time // zero means no per-chunk deadline
	timer    *timerEntry
	shutdown bool // true for the zero-length "shutdown-write" sentinel
}

func (c *writeChunk) remaining() []byte { return c.buf[c.written:] }
func (c *writeChunk) done() bool        { return c.written >= len(c.buf) }

// chunkBufPool recycles writeChunk buffers of up to 1 MiB, mirroring
// the size-bucketed sync.Pool approach in ehrlich-b-go-ublk/internal/queue
// (pool.go), adapted here to a single pool since write payloads are
// typically small relative to that block-device's megabyte buffers.
var chunkBufPool = sync.Pool{
	New: func() any { b := make([]byte, 0, 4096); return &b },
}

func getChunkBuf(n int) []byte {
	p := chunkBufPool.Get().(*[]byte)
	b := *p
	if cap(b) < n {
		b = make([]byte, n)
	} else {
		b = b[:n]
	}
	return b
}

func putChunkBuf(b []byte) {
	if cap(b) == 0 || cap(b) > 1<<20 {
		return // don't pool unusually large or zero-cap buffers
	}
	b = b[:0]
	chunkBufPool.Put(&b)
}

// writeQueue is a device's per-direction FIFO of pending write chunks
// (spec §3, §4.3). It is intentionally simple: a container/list.List, the
// same structure gaio's watcher.go uses for its per-fd reader/writer
// queues.
type writeQueue struct {
	chunks         list.List
	closedForWrite bool // true once a shutdown-write chunk has been enqueued
}

func (q *writeQueue) empty() bool { return q.chunks.Len() == 0 }

func (q *writeQueue) front() *writeChunk {
	if e := q.chunks.Front(); e != nil {
		return e.Value.(*writeChunk)
	}
	return nil
}

func (q *writeQueue) popFront() {
	if e := q.chunks.Front(); e != nil {
		q.chunks.Remove(e)
	}
}

// enqueue appends a new chunk. It copies data (the "owned copy" invariant),
// rejects a write after shutdown has been requested, and rejects a single
// write exceeding maxChunk (spec §10.3's per-reactor MaxWriteChunk cap).
func (q *writeQueue) enqueue(data []byte, ctx any, deadline time.Time, maxChunk int) (*writeChunk, *Error) {
	if q.closedForWrite {
		return nil, newErr("write", CodePipeClosed, "write side already shut down")
	}
	if len(data) > maxChunk {
		return nil, newErr("write", CodeInvalidArgument, "write exceeds MaxWriteChunk")
	}
	shutdown := len(data) == 0
	var buf []byte
	if !shutdown {
		buf = getChunkBuf(len(data))
		copy(buf, data)
	}
	c := &writeChunk{buf: buf, ctx: ctx, deadline: deadline, shutdown: shutdown}
	if shutdown {
		q.closedForWrite = true
	}
	q.chunks.PushBack(c)
	return c, nil
}

// drainAsFailed walks every queued chunk and invokes fn(chunk, wrlen=-1)
// for each, per the halt-sweep's "flush pending writes via on_write(wrlen
// = -1)" requirement (spec §4.3). Used by halt(), never by kill().
func (q *writeQueue) drainAsFailed(fn func(c *writeChunk)) {
	for e := q.chunks.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*writeChunk)
		q.chunks.Remove(e)
		fn(c)
		e = next
	}
}

// discardAll drops every queued chunk without notification, used by
// kill() which "skips the failure-notification sweep for pending writes".
func (q *writeQueue) discardAll() {
	for e := q.chunks.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*writeChunk)
		q.chunks.Remove(e)
		putChunkBuf(c.buf)
		e = next
	}
}
