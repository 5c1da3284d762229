package buffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Read errors. ErrGap and ErrStopped are recoverable conditions the caller is
// expected to handle; ErrClosed is terminal for the buffer.
var (
	// ErrGap indicates the reader's unread backlog exceeded the buffer
	// capacity and its position was fast-forwarded to the oldest retained
	// byte. No data was copied for this call.
	ErrGap = errors.New("buffer: reader fell behind retention window")

	// ErrClosed indicates the buffer was closed and all written data has
	// already been consumed by this reader.
	ErrClosed = errors.New("buffer: closed")

	// ErrStopped indicates the reader's stop flag was set while waiting
	// for data.
	ErrStopped = errors.New("buffer: read stopped")
)

// RingBuffer is a fixed-capacity circular byte store with a single writer and
// any number of independent readers. Readers are identified only by their
// absolute position (total bytes consumed), not by references into the buffer,
// so a reader is just an int64 its owner keeps and passes back to Read.
//
// writeTotal counts every byte ever appended and never resets, including
// across upstream reconnects. A reader at position r can read the range
// [r, writeTotal) as long as it stays within the retained window
// [writeTotal-capacity, writeTotal); once writeTotal-r exceeds capacity the
// overwritten bytes are gone and the next Read reports a gap.
type RingBuffer struct {
	mu         sync.Mutex
	cond       *sync.Cond
	data       []byte
	capacity   int64
	writeTotal int64
	closed     bool
}

// NewRingBuffer creates a RingBuffer with the given capacity in bytes.
func NewRingBuffer(capacity int64) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	rb := &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Capacity returns the fixed byte capacity of the buffer.
func (rb *RingBuffer) Capacity() int64 {
	return rb.capacity
}

// WriteTotal returns the monotonic count of bytes ever appended.
func (rb *RingBuffer) WriteTotal() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writeTotal
}

// Write appends p at the current write position and wakes all waiting
// readers. Single-writer only; the pump goroutine is the sole caller. Writes
// after Close are dropped.
//
// If p is larger than the whole buffer only its trailing capacity bytes end
// up retained, but writeTotal still advances by the full length so reader
// gap accounting stays correct.
func (rb *RingBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return
	}

	n := int64(len(p))
	src := p
	if n > rb.capacity {
		src = p[n-rb.capacity:]
	}

	pos := (rb.writeTotal + (n - int64(len(src)))) % rb.capacity
	first := rb.capacity - pos
	if first > int64(len(src)) {
		first = int64(len(src))
	}
	copy(rb.data[pos:pos+first], src[:first])
	copy(rb.data, src[first:])

	rb.writeTotal += n
	rb.cond.Broadcast()
}

// Read copies bytes starting at the reader position offset into p, blocking
// while no unread data is available. It returns the number of bytes copied
// and the reader's new position.
//
// Outcomes:
//   - (n>0, advanced, nil): n bytes copied in write order.
//   - (0, fastForwarded, ErrGap): the reader lost data; its position was
//     moved to writeTotal-capacity. Reported once per occurrence.
//   - (0, offset, ErrClosed): buffer closed and fully drained.
//   - (0, offset, ErrStopped): the stop flag was set while waiting.
//
// stop may be nil. It is checked each wake-up so a reader blocked in Read can
// be detached by setting the flag and calling Wake, without affecting the
// writer or other readers.
func (rb *RingBuffer) Read(offset int64, p []byte, stop *atomic.Bool) (int, int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for {
		if stop != nil && stop.Load() {
			return 0, offset, ErrStopped
		}

		// lazy gap detection: fast-forward and report before resuming
		if rb.writeTotal-offset > rb.capacity {
			return 0, rb.writeTotal - rb.capacity, ErrGap
		}

		if offset < rb.writeTotal {
			break
		}

		// no unread data; drained buffers observe close here
		if rb.closed {
			return 0, offset, ErrClosed
		}
		rb.cond.Wait()
	}

	avail := rb.writeTotal - offset
	want := int64(len(p))
	if want > avail {
		want = avail
	}

	pos := offset % rb.capacity
	first := rb.capacity - pos
	if first > want {
		first = want
	}
	copy(p[:first], rb.data[pos:pos+first])
	copy(p[first:want], rb.data[:want-first])

	return int(want), offset + want, nil
}

// Close marks the buffer closed and wakes all blocked readers so they observe
// end-of-stream once drained. Idempotent.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (rb *RingBuffer) Closed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Wake wakes all blocked readers without changing buffer state. Used when a
// single reader's stop flag was set and it needs to re-check it.
func (rb *RingBuffer) Wake() {
	rb.mu.Lock()
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// BufferPool is a thread-safe pool of byte buffers built on
// valyala/bytebufferpool, used for the upstream read chunks the pump copies
// into the ring buffer. Pooling keeps the per-read allocation cost flat no
// matter how long a session runs.
type BufferPool struct {
	pool      *bytebufferpool.Pool
	chunkSize int
}

// NewBufferPool creates a pool handing out buffers sized for one upstream
// read chunk.
func NewBufferPool(chunkSize int64) *BufferPool {
	return &BufferPool{
		pool:      &bytebufferpool.Pool{},
		chunkSize: int(chunkSize),
	}
}

// Get retrieves a buffer with at least the configured chunk size of usable
// length. The returned buffer's B slice is resized to exactly chunkSize.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.chunkSize {
		buf.B = make([]byte, bp.chunkSize)
	} else {
		buf.B = buf.B[:bp.chunkSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}
