package restream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/ratelimit"

	"xtream-relay/work/buffer"
	"xtream-relay/work/client"
	"xtream-relay/work/config"
)

func testRegistry(opts Options) *Registry {
	cfg := &config.Config{UserAgent: "relay-test"}
	return NewRegistry(
		client.NewHeaderSettingClient(cfg),
		buffer.NewBufferPool(4096),
		ratelimit.NewUnlimited(),
		func() Options { return opts },
	)
}

func fastOpts() Options {
	return Options{
		BufferSize:       1 << 20,
		ChunkSize:        4096,
		IdleGrace:        300 * time.Millisecond,
		MaxRetries:       2,
		RetryBaseDelay:   10 * time.Millisecond,
		FirstByteTimeout: 5 * time.Second,
	}
}

func pattern(i int64) byte {
	return byte(i % 251)
}

// patternServer streams a deterministic byte pattern. The pattern offset is
// shared across connections so a reconnecting pump keeps receiving the
// continuation of the same sequence, like a live upstream would.
func patternServer(t *testing.T, conns *atomic.Int64) *httptest.Server {
	t.Helper()
	var offset atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		chunk := make([]byte, 64)
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			start := offset.Add(int64(len(chunk))) - int64(len(chunk))
			for i := range chunk {
				chunk[i] = pattern(start + int64(i))
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readN drains exactly n bytes from a cursor, failing on any non-Ok status.
func readN(t *testing.T, c *Cursor, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	p := make([]byte, 512)
	for len(out) < n {
		got, status := c.Read(p)
		require.Equal(t, StatusOk, status, "unexpected status while draining")
		out = append(out, p[:got]...)
	}
	return out[:n]
}

func TestConcurrentOpensShareOneUpstreamConnection(t *testing.T) {
	var conns atomic.Int64
	srv := patternServer(t, &conns)
	g := testRegistry(fastOpts())
	defer g.Shutdown()

	const clients = 3
	cursors := make([]*Cursor, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cur, err := g.Open(context.Background(), srv.URL, "shared")
			require.NoError(t, err)
			cursors[i] = cur
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, g.SessionCount())
	assert.Equal(t, int64(1), conns.Load(), "all clients must share a single upstream connection")

	// every client sees the exact upstream byte sequence from its own attach
	// point forward
	for _, cur := range cursors {
		start := cur.Position()
		got := readN(t, cur, 2000)
		for j, b := range got {
			require.Equal(t, pattern(start+int64(j)), b, "byte %d diverged from upstream sequence", j)
		}
		cur.Close()
	}
	assert.Equal(t, int64(1), conns.Load())
}

func TestOpenFailsAfterConnectRetryBudget(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := testRegistry(fastOpts())
	defer g.Shutdown()

	_, err := g.Open(context.Background(), srv.URL, "dead")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)

	// initial attempt plus MaxRetries reconnects
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, 0, g.SessionCount(), "failed session must leave the registry")
}

func TestIdleGraceReusesSession(t *testing.T) {
	var conns atomic.Int64
	srv := patternServer(t, &conns)
	g := testRegistry(fastOpts())
	defer g.Shutdown()

	cur, err := g.Open(context.Background(), srv.URL, "surf")
	require.NoError(t, err)
	first, ok := g.Lookup(srv.URL)
	require.True(t, ok)

	readN(t, cur, 64)
	cur.Close()

	// reattach well inside the grace interval: same session, same connection
	time.Sleep(50 * time.Millisecond)
	cur2, err := g.Open(context.Background(), srv.URL, "surf")
	require.NoError(t, err)
	second, ok := g.Lookup(srv.URL)
	require.True(t, ok)
	assert.Same(t, first, second, "reattach within grace must reuse the session")
	assert.Equal(t, int64(1), conns.Load())

	// once the last cursor leaves and the grace interval passes, the session
	// is torn down and the registry entry removed
	cur2.Close()
	assert.Eventually(t, func() bool { return g.SessionCount() == 0 },
		2*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateClosed, first.State())
}

func TestMidStreamDropReconnectsWithoutPositionReset(t *testing.T) {
	// first connection dies after 128 bytes; later connections stream the
	// continuation of the pattern
	var conns atomic.Int64
	var offset atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		chunk := make([]byte, 64)
		sent := 0
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			start := offset.Add(int64(len(chunk))) - int64(len(chunk))
			for i := range chunk {
				chunk[i] = pattern(start + int64(i))
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			fl.Flush()
			sent += len(chunk)
			if n == 1 && sent >= 128 {
				return // simulate a mid-stream connection drop
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	g := testRegistry(fastOpts())
	defer g.Shutdown()

	cur, err := g.Open(context.Background(), srv.URL, "flaky")
	require.NoError(t, err)
	defer cur.Close()

	start := cur.Position()
	got := readN(t, cur, 400) // spans the drop at byte 128
	for j, b := range got {
		require.Equal(t, pattern(start+int64(j)), b,
			"byte %d out of order across reconnect", j)
	}
	assert.GreaterOrEqual(t, conns.Load(), int64(2), "expected a reconnect")
}

func TestRetryExhaustionWakesAttachedCursorsFatally(t *testing.T) {
	// one good streaming connection, then hard failures until the budget runs
	// out and the session dies
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "gone", http.StatusBadGateway)
			return
		}
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 256))
		fl.Flush()
	}))
	defer srv.Close()

	g := testRegistry(fastOpts())
	defer g.Shutdown()

	cur, err := g.Open(context.Background(), srv.URL, "dying")
	require.NoError(t, err)
	defer cur.Close()

	p := make([]byte, 512)
	deadline := time.After(5 * time.Second)
	for {
		var status Status
		got := make(chan struct{})
		go func() {
			_, status = cur.Read(p)
			close(got)
		}()
		select {
		case <-got:
		case <-deadline:
			t.Fatal("cursor read never observed the fatal session close")
		}
		if status == StatusOk {
			continue
		}
		assert.Equal(t, StatusFatalError, status)
		break
	}

	require.Error(t, cur.session.FatalErr())
	assert.ErrorIs(t, cur.session.FatalErr(), ErrConnect)
	assert.Equal(t, 0, g.SessionCount())
}

func TestSessionsForDifferentContentIDsAreIndependent(t *testing.T) {
	var connsA, connsB atomic.Int64
	srvA := patternServer(t, &connsA)
	srvB := patternServer(t, &connsB)

	g := testRegistry(fastOpts())
	defer g.Shutdown()

	curA, err := g.Open(context.Background(), srvA.URL, "a")
	require.NoError(t, err)
	defer curA.Close()
	curB, err := g.Open(context.Background(), srvB.URL, "b")
	require.NoError(t, err)

	require.Equal(t, 2, g.SessionCount())

	// killing B must not disturb reads on A
	sessB, ok := g.Lookup(srvB.URL)
	require.True(t, ok)
	sessB.Close()

	_, status := curB.Read(make([]byte, 64))
	assert.Equal(t, StatusEndOfStream, status)

	startA := curA.Position()
	got := readN(t, curA, 512)
	for j, b := range got {
		require.Equal(t, pattern(startA+int64(j)), b)
	}
}

func TestClosingOneCursorLeavesOthersAttached(t *testing.T) {
	var conns atomic.Int64
	srv := patternServer(t, &conns)
	g := testRegistry(fastOpts())
	defer g.Shutdown()

	cur1, err := g.Open(context.Background(), srv.URL, "pair")
	require.NoError(t, err)
	cur2, err := g.Open(context.Background(), srv.URL, "pair")
	require.NoError(t, err)
	defer cur2.Close()

	sess, ok := g.Lookup(srv.URL)
	require.True(t, ok)
	require.Equal(t, 2, sess.CursorCount())

	cur1.Close()
	assert.Equal(t, 1, sess.CursorCount())
	assert.NotEqual(t, StateClosed, sess.State())

	start := cur2.Position()
	got := readN(t, cur2, 256)
	for j, b := range got {
		require.Equal(t, pattern(start+int64(j)), b)
	}
}

func TestStreamReaderAdapterDrainsToEOF(t *testing.T) {
	var conns atomic.Int64
	srv := patternServer(t, &conns)
	g := testRegistry(fastOpts())

	cur, err := g.Open(context.Background(), srv.URL, "adapter")
	require.NoError(t, err)

	r := &StreamReader{Cursor: cur}
	p := make([]byte, 128)
	n, err := r.Read(p)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	g.Shutdown()

	// after shutdown the adapter reports EOF once drained
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = r.Read(p)
		if err != nil || time.Now().After(deadline) {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, r.Close())
}
