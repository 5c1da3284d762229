package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtream-relay/work/database"
	"xtream-relay/work/provider"
	"xtream-relay/work/settings"
)

// fakeSource serves a canned listing.
type fakeSource struct {
	liveCats []provider.Category
	live     map[string][]provider.LiveStream
	vodCats  []provider.Category
	vod      map[string][]provider.VODStream
}

func (f *fakeSource) LiveCategories(context.Context) ([]provider.Category, error) {
	return f.liveCats, nil
}

func (f *fakeSource) LiveStreams(_ context.Context, categoryID string) ([]provider.LiveStream, error) {
	return f.live[categoryID], nil
}

func (f *fakeSource) VODCategories(context.Context) ([]provider.Category, error) {
	return f.vodCats, nil
}

func (f *fakeSource) VODStreams(_ context.Context, categoryID string) ([]provider.VODStream, error) {
	return f.vod[categoryID], nil
}

func (f *fakeSource) LiveStreamURL(streamID int) (string, error) {
	return fmt.Sprintf("http://up.test/live/u/p/%d.ts", streamID), nil
}

func (f *fakeSource) VODStreamURL(streamID int, ext string) (string, error) {
	return fmt.Sprintf("http://up.test/movie/u/p/%d.%s", streamID, ext), nil
}

func testSource() *fakeSource {
	return &fakeSource{
		liveCats: []provider.Category{
			{CategoryID: "7", CategoryName: "News"},
			{CategoryID: "9", CategoryName: "Sports"},
		},
		live: map[string][]provider.LiveStream{
			"7": {
				{StreamID: 101, Name: "|FR| TF1 [HD]", EpgChannelID: "tf1.fr"},
				{StreamID: 102, Name: "|UK| BBC News"},
			},
			"9": {
				{StreamID: 201, Name: "|US| ESPN [4K]"},
				{StreamID: 202, Name: "ADULT Sports XXX"},
			},
		},
		vodCats: []provider.Category{{CategoryID: "12", CategoryName: "Movies"}},
		vod: map[string][]provider.VODStream{
			"12": {{StreamID: 301, Name: "Some Film", ContainerExtension: "mkv"}},
		},
	}
}

func testManager(t *testing.T, mutate func(*settings.Settings)) *settings.Manager {
	t.Helper()
	mgr, err := settings.NewManager(filepath.Join(t.TempDir(), "settings.xml"))
	require.NoError(t, err)
	if mutate != nil {
		s := mgr.Get()
		mutate(&s)
		require.NoError(t, mgr.Update(s))
	}
	return mgr
}

func TestRefreshBuildsListing(t *testing.T) {
	c := New(testSource(), nil, testManager(t, nil), nil)
	require.NoError(t, c.Refresh(context.Background()))

	cats := c.Categories(KindLive)
	require.Len(t, cats, 2)
	assert.Equal(t, "News", cats[0].Name)
	assert.Equal(t, "Sports", cats[1].Name)

	news := c.Channels(KindLive, "7")
	require.Len(t, news, 2)
	assert.Equal(t, "BBC News", news[0].Name)
	assert.Equal(t, "TF1", news[1].Name)
	assert.Equal(t, "FR", news[1].Group)
	assert.Equal(t, "HD", news[1].Quality)

	assert.Equal(t, 5, c.ChannelCount())
	assert.False(t, c.LastRefresh().IsZero())
}

func TestRefreshAppliesExcludeFilter(t *testing.T) {
	mgr := testManager(t, func(s *settings.Settings) {
		s.LiveExcludeRegex = `(?i)adult|xxx`
	})
	c := New(testSource(), nil, mgr, nil)
	require.NoError(t, c.Refresh(context.Background()))

	sports := c.Channels(KindLive, "9")
	require.Len(t, sports, 1)
	assert.Equal(t, "ESPN", sports[0].Name)
}

func TestRefreshAppliesIncludeFilter(t *testing.T) {
	mgr := testManager(t, func(s *settings.Settings) {
		s.LiveIncludeRegex = `\|FR\|`
	})
	c := New(testSource(), nil, mgr, nil)
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, 2, c.ChannelCount()) // one live match plus unfiltered VOD
	all := c.Channels(KindLive, "")
	require.Len(t, all, 1)
	assert.Equal(t, "TF1", all[0].Name)
}

func TestRefreshDropsStaleChannels(t *testing.T) {
	src := testSource()
	c := New(src, nil, testManager(t, nil), nil)
	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, 5, c.ChannelCount())

	src.live["9"] = nil
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 3, c.ChannelCount())
	_, ok := c.Get(KindLive, 201)
	assert.False(t, ok)
}

func TestGetAndStreamURL(t *testing.T) {
	c := New(testSource(), nil, testManager(t, nil), nil)
	require.NoError(t, c.Refresh(context.Background()))

	ch, ok := c.Get(KindLive, 101)
	require.True(t, ok)
	u, err := c.StreamURL(ch)
	require.NoError(t, err)
	assert.Equal(t, "http://up.test/live/u/p/101.ts", u)

	vod, ok := c.Get(KindVOD, 301)
	require.True(t, ok)
	u, err = c.StreamURL(vod)
	require.NoError(t, err)
	assert.Equal(t, "http://up.test/movie/u/p/301.mkv", u)
}

func TestSearch(t *testing.T) {
	c := New(testSource(), nil, testManager(t, nil), nil)
	require.NoError(t, c.Refresh(context.Background()))

	hits := c.Search(KindLive, "bbc")
	require.Len(t, hits, 1)
	assert.Equal(t, "BBC News", hits[0].Name)
}

func TestSnapshotWarmsNewCatalog(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer store.Close()

	mgr := testManager(t, nil)
	first := New(testSource(), store, mgr, nil)
	require.NoError(t, first.Refresh(context.Background()))

	warmed := New(testSource(), store, mgr, nil)
	assert.Equal(t, first.ChannelCount(), warmed.ChannelCount())
	assert.Len(t, warmed.Categories(KindLive), 2)
	assert.False(t, warmed.LastRefresh().IsZero())

	ch, ok := warmed.Get(KindLive, 101)
	require.True(t, ok)
	assert.Equal(t, "TF1", ch.Name)
	assert.Equal(t, "HD", ch.Quality)
}
