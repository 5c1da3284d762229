package restream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xtream-relay/work/buffer"
	"xtream-relay/work/logger"
	"xtream-relay/work/metrics"
)

// Session binds one content id to one ring buffer, one upstream pump and the
// set of cursors currently reading it. The cursor set and lifecycle fields
// are guarded by mu; the pump never takes mu while doing network I/O.
type Session struct {
	ContentID string // upstream URL; opaque key as far as the session is concerned
	Label     string // sanitized channel name for logs and metric labels

	registry *Registry
	buffer   *buffer.RingBuffer
	opts     Options

	mu        sync.Mutex
	cursors   map[string]*Cursor
	idleTimer *time.Timer
	closed    bool
	fatalErr  error

	state     atomic.Int32
	idleSince atomic.Int64 // unix seconds; 0 while cursors are attached
	cursorSeq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	firstData chan struct{} // closed by the pump on the first buffered byte
	firstOnce sync.Once
	done      chan struct{} // closed when the pump goroutine exits
}

func newSession(g *Registry, contentID, label string, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ContentID: contentID,
		Label:     label,
		registry:  g,
		buffer:    buffer.NewRingBuffer(opts.BufferSize),
		opts:      opts,
		cursors:   make(map[string]*Cursor),
		ctx:       ctx,
		cancel:    cancel,
		firstData: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// FatalErr returns the terminal error that closed the session, or nil for a
// still-live session or a clean idle teardown.
func (s *Session) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// CursorCount returns the number of attached cursors.
func (s *Session) CursorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// attachCursor adds a new cursor starting at the current write position.
// Attaching to a closed session fails; the registry then starts a fresh one.
func (s *Session) attachCursor() (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	// a returning client cancels any pending idle teardown
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleSince.Store(0)

	c := &Cursor{
		id:        fmt.Sprintf("%s-%d", s.Label, s.cursorSeq.Add(1)),
		session:   s,
		readTotal: s.buffer.WriteTotal(),
	}
	s.cursors[c.id] = c

	metrics.CursorsConnected.WithLabelValues(s.Label).Set(float64(len(s.cursors)))
	logger.Debug("[CURSOR_ATTACH] Channel %s: cursor %s attached, total: %d", s.Label, c.id, len(s.cursors))
	return c, nil
}

// releaseCursor removes a cursor from the set. When the set empties the
// session is kept alive for the idle grace interval before teardown, covering
// channel-surfing clients that reconnect within seconds.
func (s *Session) releaseCursor(c *Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cursors[c.id]; !ok {
		return
	}
	delete(s.cursors, c.id)

	metrics.CursorsConnected.WithLabelValues(s.Label).Set(float64(len(s.cursors)))
	logger.Debug("[CURSOR_DETACH] Channel %s: cursor %s detached, remaining: %d", s.Label, c.id, len(s.cursors))

	if len(s.cursors) > 0 || s.closed {
		return
	}

	s.idleSince.Store(time.Now().Unix())
	s.idleTimer = time.AfterFunc(s.opts.IdleGrace, s.idleTeardown)
	logger.Debug("[SESSION_IDLE] Channel %s: no cursors, teardown in %s unless a client returns", s.Label, s.opts.IdleGrace)
}

// idleTeardown fires after the grace interval. If a client reattached in the
// meantime the timer was stopped or the cursor set is non-empty and nothing
// happens.
func (s *Session) idleTeardown() {
	s.mu.Lock()
	if s.closed || len(s.cursors) > 0 {
		s.mu.Unlock()
		return
	}
	s.closeLocked(nil)
	s.mu.Unlock()

	s.registry.remove(s)
	logger.Info("[SESSION_CLOSE] Channel %s: torn down after idle grace", s.Label)
}

// fail closes the session with a terminal error; every attached cursor
// observes StatusFatalError on its next read. Called by the pump when the
// retry budget is exhausted.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked(err)
	s.mu.Unlock()

	s.registry.remove(s)
	metrics.StreamErrors.WithLabelValues(s.Label, "fatal").Inc()
	logger.Error("[SESSION_FATAL] Channel %s: %v", s.Label, err)
}

// Close tears the session down unconditionally; used at process shutdown.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked(nil)
	s.mu.Unlock()

	s.registry.remove(s)
}

// closeLocked transitions to Closed, cancels the pump and closes the buffer
// so every blocked reader wakes. Caller holds mu.
func (s *Session) closeLocked(err error) {
	s.closed = true
	s.fatalErr = err
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.state.Store(int32(StateClosed))
	s.cancel()
	s.buffer.Close()
	metrics.SessionsActive.Dec()
}

// markFirstData unblocks Open callers waiting for proof the upstream is live.
func (s *Session) markFirstData() {
	s.firstOnce.Do(func() { close(s.firstData) })
}

// Info is a point-in-time snapshot of a session for the status endpoint.
type Info struct {
	Label      string `json:"label"`
	State      string `json:"state"`
	Cursors    int    `json:"cursors"`
	WriteTotal int64  `json:"writeTotal"`
	IdleSince  int64  `json:"idleSince,omitempty"`
}

// Snapshot returns the session's current externally visible state.
func (s *Session) Snapshot() Info {
	return Info{
		Label:      s.Label,
		State:      s.State().String(),
		Cursors:    s.CursorCount(),
		WriteTotal: s.buffer.WriteTotal(),
		IdleSince:  s.idleSince.Load(),
	}
}
