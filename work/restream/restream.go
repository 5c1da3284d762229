// Package restream implements the live-stream multiplexer: one upstream
// provider connection per content id, fanned out to any number of clients
// through a shared ring buffer with independent per-client read cursors.
package restream

import (
	"errors"
	"time"
)

var (
	// ErrConnect is returned by Open when the upstream connection could not
	// be established within the retry budget or the first-byte timeout.
	ErrConnect = errors.New("restream: upstream connect failed")

	// ErrSessionClosed indicates an attach raced with session teardown. Open
	// handles it internally by starting a fresh session; it only escapes to
	// callers holding a stale *Session.
	ErrSessionClosed = errors.New("restream: session closed")
)

// Status is the per-read outcome a cursor reports to its client.
type Status int

const (
	StatusOk Status = iota
	StatusGap
	StatusEndOfStream
	StatusFatalError
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusGap:
		return "gap"
	case StatusEndOfStream:
		return "end_of_stream"
	case StatusFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// State models the session lifecycle: Connecting -> Streaming ->
// (Reconnecting <-> Streaming) -> Closed. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes session behavior. The registry re-reads them on every session
// creation so settings updates apply to new sessions without a restart.
type Options struct {
	BufferSize       int64         // ring buffer capacity in bytes
	ChunkSize        int64         // upstream read chunk size in bytes
	IdleGrace        time.Duration // how long an empty session lingers before teardown
	MaxRetries       int           // connect/reconnect attempts before declaring the session dead
	RetryBaseDelay   time.Duration // first backoff delay, doubled per attempt
	FirstByteTimeout time.Duration // how long Open waits for the first upstream byte
}

const (
	defaultBufferSize = 16 << 20 // 16 MiB
	defaultChunkSize  = 32 << 10 // 32 KiB
	maxRetryDelay     = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.FirstByteTimeout <= 0 {
		// default to the whole connect-retry budget plus headroom for the
		// initial exchange, so a first read never blocks forever
		budget := 15 * time.Second
		delay := o.RetryBaseDelay
		for i := 0; i < o.MaxRetries; i++ {
			budget += delay
			delay = nextDelay(delay)
		}
		o.FirstByteTimeout = budget
	}
	return o
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
