package restream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"xtream-relay/work/buffer"
	"xtream-relay/work/client"
	"xtream-relay/work/logger"
	"xtream-relay/work/metrics"
)

// Registry is the process-wide map of content id -> live session and the
// single entry point clients use to obtain a cursor. It guarantees at most
// one session, and therefore at most one upstream connection, per content id
// no matter how many Open calls race.
type Registry struct {
	sessions   *xsync.MapOf[string, *Session]
	httpClient *client.HeaderSettingClient
	pool       *buffer.BufferPool
	limiter    ratelimit.Limiter
	options    func() Options
}

// NewRegistry builds a registry. options is re-evaluated per session so
// settings changes take effect for sessions created after the change; pass a
// function returning a fixed Options for static configuration.
func NewRegistry(httpClient *client.HeaderSettingClient, pool *buffer.BufferPool, limiter ratelimit.Limiter, options func() Options) *Registry {
	if options == nil {
		options = func() Options { return Options{} }
	}
	return &Registry{
		sessions:   xsync.NewMapOf[string, *Session](),
		httpClient: httpClient,
		pool:       pool,
		limiter:    limiter,
		options:    options,
	}
}

// Open returns a cursor reading the live stream identified by contentID,
// starting a session (and its upstream pump) if none is active. For a newly
// created session Open blocks until the pump delivers its first byte, fails,
// or the first-byte timeout elapses; attaching to an existing session returns
// immediately and the client's first reads simply block until data arrives.
func (g *Registry) Open(ctx context.Context, contentID, label string) (*Cursor, error) {
	for {
		created := false
		s, _ := g.sessions.LoadOrCompute(contentID, func() *Session {
			created = true
			return newSession(g, contentID, label, g.options().withDefaults())
		})

		if created {
			metrics.SessionsActive.Inc()
			logger.Info("[SESSION_START] Channel %s: starting upstream pump", label)
			go s.runPump()
		}

		cur, err := s.attachCursor()
		if err != nil {
			// raced with teardown of a dying session: drop the stale entry
			// and start over with a fresh one
			g.remove(s)
			continue
		}

		if !created {
			return cur, nil
		}

		select {
		case <-s.firstData:
			return cur, nil

		case <-s.done:
			cur.Close()
			if ferr := s.FatalErr(); ferr != nil {
				return nil, ferr
			}
			return nil, ErrConnect

		case <-time.After(s.opts.FirstByteTimeout):
			cur.Close()
			s.fail(fmt.Errorf("%w: no data within %s", ErrConnect, s.opts.FirstByteTimeout))
			return nil, fmt.Errorf("%w: no data within %s", ErrConnect, s.opts.FirstByteTimeout)

		case <-ctx.Done():
			cur.Close()
			return nil, ctx.Err()
		}
	}
}

// Lookup returns the live session for a content id, if any.
func (g *Registry) Lookup(contentID string) (*Session, bool) {
	return g.sessions.Load(contentID)
}

// SessionCount returns the number of live sessions.
func (g *Registry) SessionCount() int {
	return g.sessions.Size()
}

// Snapshot lists the state of every live session, sorted by label for stable
// output on the status endpoint.
func (g *Registry) Snapshot() []Info {
	infos := make([]Info, 0, g.sessions.Size())
	g.sessions.Range(func(_ string, s *Session) bool {
		infos = append(infos, s.Snapshot())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Label < infos[j].Label })
	return infos
}

// Shutdown closes every live session, waking all attached cursors with
// end-of-stream. Called at process shutdown.
func (g *Registry) Shutdown() {
	g.sessions.Range(func(_ string, s *Session) bool {
		s.Close()
		return true
	})
}

// remove deletes the registry entry for s, but only if the entry still points
// at s; a replacement session created for the same content id is left alone.
func (g *Registry) remove(s *Session) {
	g.sessions.Compute(s.ContentID, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && old == s {
			return nil, true
		}
		return old, !loaded
	})
}
