// Package catalog maintains the in-memory channel listing: provider
// categories and streams fetched over the API, filtered by the configured
// include/exclude patterns, tag-parsed for display, and mirrored to the
// SQLite snapshot for fast restarts.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/regexp"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"xtream-relay/work/database"
	"xtream-relay/work/logger"
	"xtream-relay/work/provider"
	"xtream-relay/work/settings"
	"xtream-relay/work/tags"
)

// Channel kinds.
const (
	KindLive = "live"
	KindVOD  = "vod"
)

// Source is the provider surface the catalog refreshes from.
type Source interface {
	LiveCategories(ctx context.Context) ([]provider.Category, error)
	LiveStreams(ctx context.Context, categoryID string) ([]provider.LiveStream, error)
	VODCategories(ctx context.Context) ([]provider.Category, error)
	VODStreams(ctx context.Context, categoryID string) ([]provider.VODStream, error)
	LiveStreamURL(streamID int) (string, error)
	VODStreamURL(streamID int, containerExtension string) (string, error)
}

// Category is one listing group.
type Category struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is one playable entry, live or VOD.
type Channel struct {
	Kind         string `json:"kind"`
	StreamID     int    `json:"streamId"`
	RawName      string `json:"-"`
	Name         string `json:"name"`
	Group        string `json:"group,omitempty"`
	Quality      string `json:"quality,omitempty"`
	CategoryID   string `json:"categoryId"`
	EpgChannelID string `json:"epgChannelId,omitempty"`
	Logo         string `json:"logo,omitempty"`
	ContainerExt string `json:"-"`
}

// Key returns the channel's map key, unique across kinds.
func (c *Channel) Key() string {
	return fmt.Sprintf("%s:%d", c.Kind, c.StreamID)
}

// Catalog is the shared channel listing.
type Catalog struct {
	source Source
	store  *database.Store
	mgr    *settings.Manager
	pool   *ants.Pool

	channels *xsync.MapOf[string, *Channel]

	catMu      sync.RWMutex
	categories map[string][]Category

	refreshing  atomic.Bool
	lastRefresh atomic.Int64
}

// New builds a catalog and warms it from the snapshot store when one is
// available.
func New(source Source, store *database.Store, mgr *settings.Manager, pool *ants.Pool) *Catalog {
	c := &Catalog{
		source:     source,
		store:      store,
		mgr:        mgr,
		pool:       pool,
		channels:   xsync.NewMapOf[string, *Channel](),
		categories: make(map[string][]Category),
	}

	if store != nil {
		if err := c.loadSnapshot(); err != nil {
			logger.Warn("[CATALOG] Could not load snapshot: %v", err)
		}
	}
	return c
}

func (c *Catalog) loadSnapshot() error {
	cats, chans, refreshed, err := c.store.LoadSnapshot(context.Background())
	if err != nil {
		return err
	}

	byKind := make(map[string][]Category)
	for _, row := range cats {
		byKind[row.Kind] = append(byKind[row.Kind], Category{Kind: row.Kind, ID: row.CategoryID, Name: row.Name})
	}

	c.catMu.Lock()
	c.categories = byKind
	c.catMu.Unlock()

	for _, row := range chans {
		ch := &Channel{
			Kind:         row.Kind,
			StreamID:     row.StreamID,
			RawName:      row.RawName,
			Name:         row.Name,
			Group:        row.Group,
			Quality:      row.Quality,
			CategoryID:   row.CategoryID,
			EpgChannelID: row.EpgChannelID,
			Logo:         row.Logo,
			ContainerExt: row.ContainerExt,
		}
		c.channels.Store(ch.Key(), ch)
	}

	if !refreshed.IsZero() {
		c.lastRefresh.Store(refreshed.Unix())
	}
	logger.Info("[CATALOG] Warmed from snapshot: %d categories, %d channels", len(cats), len(chans))
	return nil
}

// filterSet holds the compiled include/exclude patterns for one kind.
type filterSet struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

func compileFilters(include, exclude string) filterSet {
	var f filterSet
	// Settings validation already checked these; a pattern that fails here
	// anyway just means no filtering on that side.
	if include != "" {
		f.include, _ = regexp.Compile(include)
	}
	if exclude != "" {
		f.exclude, _ = regexp.Compile(exclude)
	}
	return f
}

func (f filterSet) keep(name string) bool {
	if f.include != nil && !f.include.MatchString(name) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(name) {
		return false
	}
	return true
}

// Refresh re-fetches the full listing from the provider. Category pages are
// fetched concurrently on the worker pool. Only one refresh runs at a time;
// a second call while one is in flight returns immediately.
func (c *Catalog) Refresh(ctx context.Context) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		logger.Debug("{catalog - Refresh} refresh already running, skipping")
		return nil
	}
	defer c.refreshing.Store(false)

	start := time.Now()
	s := c.mgr.Get()
	liveFilter := compileFilters(s.LiveIncludeRegex, s.LiveExcludeRegex)
	vodFilter := compileFilters(s.VODIncludeRegex, s.VODExcludeRegex)

	liveCats, err := c.source.LiveCategories(ctx)
	if err != nil {
		return fmt.Errorf("fetch live categories: %w", err)
	}
	vodCats, err := c.source.VODCategories(ctx)
	if err != nil {
		return fmt.Errorf("fetch VOD categories: %w", err)
	}

	var (
		mu        sync.Mutex
		collected []*Channel
		fetchErr  error
		wg        sync.WaitGroup
	)

	submit := func(task func()) {
		wg.Add(1)
		run := func() {
			defer wg.Done()
			task()
		}
		if c.pool != nil {
			if err := c.pool.Submit(run); err != nil {
				// Pool is closed or overloaded; do the work inline.
				run()
			}
		} else {
			run()
		}
	}

	for _, cat := range liveCats {
		cat := cat
		submit(func() {
			streams, err := c.source.LiveStreams(ctx, cat.CategoryID)
			if err != nil {
				mu.Lock()
				if fetchErr == nil {
					fetchErr = fmt.Errorf("fetch live streams for category %s: %w", cat.CategoryID, err)
				}
				mu.Unlock()
				return
			}
			var batch []*Channel
			for _, st := range streams {
				if !liveFilter.keep(st.Name) {
					continue
				}
				parsed := tags.Parse(st.Name)
				batch = append(batch, &Channel{
					Kind:         KindLive,
					StreamID:     st.StreamID,
					RawName:      st.Name,
					Name:         parsed.Name,
					Group:        parsed.Group,
					Quality:      parsed.Quality,
					CategoryID:   cat.CategoryID,
					EpgChannelID: st.EpgChannelID,
					Logo:         st.StreamIcon,
				})
			}
			mu.Lock()
			collected = append(collected, batch...)
			mu.Unlock()
		})
	}

	for _, cat := range vodCats {
		cat := cat
		submit(func() {
			streams, err := c.source.VODStreams(ctx, cat.CategoryID)
			if err != nil {
				mu.Lock()
				if fetchErr == nil {
					fetchErr = fmt.Errorf("fetch VOD streams for category %s: %w", cat.CategoryID, err)
				}
				mu.Unlock()
				return
			}
			var batch []*Channel
			for _, st := range streams {
				if !vodFilter.keep(st.Name) {
					continue
				}
				parsed := tags.Parse(st.Name)
				batch = append(batch, &Channel{
					Kind:         KindVOD,
					StreamID:     st.StreamID,
					RawName:      st.Name,
					Name:         parsed.Name,
					Group:        parsed.Group,
					Quality:      parsed.Quality,
					CategoryID:   cat.CategoryID,
					Logo:         st.StreamIcon,
					ContainerExt: st.ContainerExtension,
				})
			}
			mu.Lock()
			collected = append(collected, batch...)
			mu.Unlock()
		})
	}

	wg.Wait()
	if fetchErr != nil {
		return fetchErr
	}

	c.apply(liveCats, vodCats, collected)
	c.lastRefresh.Store(time.Now().Unix())

	if c.store != nil {
		if err := c.persist(ctx, collected); err != nil {
			logger.Warn("[CATALOG] Could not persist snapshot: %v", err)
		}
	}

	logger.Info("[CATALOG] Refresh complete: %d live + %d VOD categories, %d channels in %v",
		len(liveCats), len(vodCats), len(collected), time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *Catalog) apply(liveCats, vodCats []provider.Category, chans []*Channel) {
	byKind := make(map[string][]Category, 2)
	for _, cat := range liveCats {
		byKind[KindLive] = append(byKind[KindLive], Category{Kind: KindLive, ID: cat.CategoryID, Name: cat.CategoryName})
	}
	for _, cat := range vodCats {
		byKind[KindVOD] = append(byKind[KindVOD], Category{Kind: KindVOD, ID: cat.CategoryID, Name: cat.CategoryName})
	}
	for _, list := range byKind {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}

	c.catMu.Lock()
	c.categories = byKind
	c.catMu.Unlock()

	fresh := make(map[string]struct{}, len(chans))
	for _, ch := range chans {
		fresh[ch.Key()] = struct{}{}
		c.channels.Store(ch.Key(), ch)
	}
	c.channels.Range(func(key string, _ *Channel) bool {
		if _, ok := fresh[key]; !ok {
			c.channels.Delete(key)
		}
		return true
	})
}

func (c *Catalog) persist(ctx context.Context, chans []*Channel) error {
	c.catMu.RLock()
	var catRows []database.CategoryRow
	for _, list := range c.categories {
		for _, cat := range list {
			catRows = append(catRows, database.CategoryRow{Kind: cat.Kind, CategoryID: cat.ID, Name: cat.Name})
		}
	}
	c.catMu.RUnlock()

	chanRows := make([]database.ChannelRow, 0, len(chans))
	for _, ch := range chans {
		chanRows = append(chanRows, database.ChannelRow{
			Kind:         ch.Kind,
			StreamID:     ch.StreamID,
			RawName:      ch.RawName,
			Name:         ch.Name,
			Group:        ch.Group,
			Quality:      ch.Quality,
			CategoryID:   ch.CategoryID,
			EpgChannelID: ch.EpgChannelID,
			Logo:         ch.Logo,
			ContainerExt: ch.ContainerExt,
		})
	}
	return c.store.ReplaceSnapshot(ctx, catRows, chanRows)
}

// Categories returns the sorted category list for a kind.
func (c *Catalog) Categories(kind string) []Category {
	c.catMu.RLock()
	defer c.catMu.RUnlock()
	return append([]Category(nil), c.categories[kind]...)
}

// Channels returns the channels of a kind, optionally limited to one
// category, sorted by display name.
func (c *Catalog) Channels(kind, categoryID string) []*Channel {
	var out []*Channel
	c.channels.Range(func(_ string, ch *Channel) bool {
		if ch.Kind != kind {
			return true
		}
		if categoryID != "" && ch.CategoryID != categoryID {
			return true
		}
		out = append(out, ch)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].StreamID < out[j].StreamID
	})
	return out
}

// Get looks up one channel by kind and stream id.
func (c *Catalog) Get(kind string, streamID int) (*Channel, bool) {
	return c.channels.Load(fmt.Sprintf("%s:%d", kind, streamID))
}

// Search returns channels of a kind whose display name contains q,
// case-insensitively.
func (c *Catalog) Search(kind, q string) []*Channel {
	q = strings.ToLower(q)
	var out []*Channel
	c.channels.Range(func(_ string, ch *Channel) bool {
		if ch.Kind == kind && strings.Contains(strings.ToLower(ch.Name), q) {
			out = append(out, ch)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StreamURL builds the upstream URL for a channel via the provider account.
func (c *Catalog) StreamURL(ch *Channel) (string, error) {
	if ch.Kind == KindVOD {
		return c.source.VODStreamURL(ch.StreamID, ch.ContainerExt)
	}
	return c.source.LiveStreamURL(ch.StreamID)
}

// ChannelCount returns the number of channels currently listed.
func (c *Catalog) ChannelCount() int {
	return c.channels.Size()
}

// LastRefresh returns the time of the last successful refresh, or a zero
// time when none has completed.
func (c *Catalog) LastRefresh() time.Time {
	unix := c.lastRefresh.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// Refreshing reports whether a refresh is currently running.
func (c *Catalog) Refreshing() bool {
	return c.refreshing.Load()
}
