package restream

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"xtream-relay/work/logger"
	"xtream-relay/work/metrics"
)

// runPump is the session's dedicated upstream goroutine: it holds the single
// provider connection, relays chunks into the ring buffer and handles
// reconnects with bounded exponential backoff. It exits when the session
// context is cancelled or the retry budget runs out.
//
// writeTotal is never reset across reconnects, so attached cursors observe a
// pause followed by resumed data rather than a position change.
func (s *Session) runPump() {
	defer close(s.done)
	defer s.buffer.Close()

	attempts := 0
	delay := s.opts.RetryBaseDelay

	for {
		if s.ctx.Err() != nil {
			return
		}

		if attempts > 0 {
			s.state.Store(int32(StateReconnecting))
			metrics.Reconnects.WithLabelValues(s.Label).Inc()

			if attempts > s.opts.MaxRetries {
				s.fail(fmt.Errorf("%w: retry budget exhausted after %d attempts", ErrConnect, attempts-1))
				return
			}

			logger.Warn("[PUMP_RETRY] Channel %s: attempt %d/%d in %s", s.Label, attempts, s.opts.MaxRetries, delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextDelay(delay)
		}

		// pace connect attempts so a flapping provider isn't hammered
		if s.registry.limiter != nil {
			s.registry.limiter.Take()
		}

		body, err := s.connect()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Warn("[PUMP_CONNECT] Channel %s: %v", s.Label, err)
			metrics.StreamErrors.WithLabelValues(s.Label, "connect").Inc()
			attempts++
			continue
		}

		s.state.Store(int32(StateStreaming))
		logger.Info("[PUMP_STREAMING] Channel %s: upstream connected", s.Label)

		n, err := s.copyLoop(body)
		body.Close()

		if s.ctx.Err() != nil {
			logger.Debug("[PUMP_STOP] Channel %s: cancelled after %d bytes", s.Label, n)
			return
		}

		// mid-stream drop: transient, invisible to clients unless the retry
		// budget runs out. A connection that delivered data earns a fresh
		// budget.
		logger.Warn("[PUMP_DROP] Channel %s: upstream ended after %d bytes: %v", s.Label, n, err)
		metrics.StreamErrors.WithLabelValues(s.Label, "read").Inc()
		if n > 0 {
			attempts = 0
			delay = s.opts.RetryBaseDelay
		}
		attempts++
	}
}

// connect opens the upstream connection for the session's content id. The
// request carries the session context so teardown cancels an in-flight dial
// or a blocked body read.
func (s *Session) connect() (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.ContentID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.registry.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream HTTP %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// copyLoop relays upstream chunks into the ring buffer until the connection
// errors or the session is cancelled. Chunks are whatever size the network
// layer yields, written without re-framing.
func (s *Session) copyLoop(body io.Reader) (int64, error) {
	chunk := s.registry.pool.Get()
	defer s.registry.pool.Put(chunk)

	// the session's configured chunk size wins over the pool default
	if int64(cap(chunk.B)) < s.opts.ChunkSize {
		chunk.B = make([]byte, s.opts.ChunkSize)
	}
	buf := chunk.B[:s.opts.ChunkSize]

	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			s.buffer.Write(buf[:n])
			s.markFirstData()
			total += int64(n)
			metrics.BytesRelayed.WithLabelValues(s.Label, "upstream").Add(float64(n))
		}
		if err != nil {
			return total, err
		}
	}
}
