package restream

import (
	"io"
	"sync"
	"sync/atomic"

	"xtream-relay/work/buffer"
	"xtream-relay/work/logger"
	"xtream-relay/work/metrics"
)

// Cursor is one client's independent read position into a session's ring
// buffer. It only ever advances; there is no seeking. Closing a cursor
// detaches just that reader and never disturbs the pump or other cursors.
type Cursor struct {
	id        string
	session   *Session
	readTotal int64
	stopped   atomic.Bool
	closeOnce sync.Once
}

// ID returns the cursor's identifier, unique within its session.
func (c *Cursor) ID() string {
	return c.id
}

// Position returns the total bytes this cursor has consumed (or skipped over
// gaps) since attach.
func (c *Cursor) Position() int64 {
	return c.readTotal
}

// Read copies the next available bytes into p, blocking until data arrives,
// the session ends or the cursor is closed.
//
//   - StatusOk: n > 0 bytes copied in write order.
//   - StatusGap: this cursor fell behind the retention window; its position
//     was fast-forwarded and no bytes were copied. Reported once per event.
//   - StatusEndOfStream: session torn down cleanly or cursor closed.
//   - StatusFatalError: session died with its retry budget exhausted; see
//     the session's FatalErr.
func (c *Cursor) Read(p []byte) (int, Status) {
	if c.stopped.Load() {
		return 0, StatusEndOfStream
	}

	n, next, err := c.session.buffer.Read(c.readTotal, p, &c.stopped)
	switch {
	case err == nil:
		c.readTotal = next
		metrics.BytesRelayed.WithLabelValues(c.session.Label, "downstream").Add(float64(n))
		return n, StatusOk

	case err == buffer.ErrGap:
		skipped := next - c.readTotal
		c.readTotal = next
		metrics.BufferGaps.WithLabelValues(c.session.Label).Inc()
		logger.Warn("[CURSOR_GAP] Channel %s: cursor %s fell %d bytes behind, skipped ahead", c.session.Label, c.id, skipped)
		return 0, StatusGap

	case err == buffer.ErrStopped:
		return 0, StatusEndOfStream

	default: // buffer.ErrClosed
		if c.session.FatalErr() != nil {
			return 0, StatusFatalError
		}
		return 0, StatusEndOfStream
	}
}

// Close detaches the cursor from its session, waking a Read blocked on the
// buffer. Idempotent.
func (c *Cursor) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		c.session.buffer.Wake()
		c.session.releaseCursor(c)
	})
}

// StreamReader adapts a Cursor to io.ReadCloser for handlers that hand the
// byte stream to io.Copy-shaped consumers. Gap events are absorbed (logged
// and counted by the cursor) since a relayed transport stream has no way to
// signal discontinuities in-band.
type StreamReader struct {
	Cursor *Cursor
}

func (r *StreamReader) Read(p []byte) (int, error) {
	for {
		n, status := r.Cursor.Read(p)
		switch status {
		case StatusOk:
			return n, nil
		case StatusGap:
			continue
		case StatusFatalError:
			if err := r.Cursor.session.FatalErr(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		default:
			return 0, io.EOF
		}
	}
}

func (r *StreamReader) Close() error {
	r.Cursor.Close()
	return nil
}
