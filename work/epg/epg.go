// Package epg serves per-channel programme guides. Provider responses are
// base64-wrapped and expensive to fetch, so decoded listings are held in a
// size-bounded TTL cache keyed by stream id.
package epg

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/maypok86/otter/v2"

	"xtream-relay/work/logger"
	"xtream-relay/work/provider"
)

const (
	cacheSize    = 4096
	defaultLimit = 10
)

// Programme is one decoded guide entry.
type Programme struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
}

// Source fetches raw guide listings from the provider.
type Source interface {
	ShortEPG(ctx context.Context, streamID, limit int) ([]provider.EPGListing, error)
}

// Guide caches decoded short-EPG listings.
type Guide struct {
	source Source
	cache  *otter.Cache[int, []Programme]
}

// New builds a guide whose entries expire ttl after they are fetched.
func New(source Source, ttl time.Duration) *Guide {
	return &Guide{
		source: source,
		cache: otter.Must(&otter.Options[int, []Programme]{
			MaximumSize:      cacheSize,
			ExpiryCalculator: otter.ExpiryWriting[int, []Programme](ttl),
		}),
	}
}

// Programmes returns the upcoming programmes for a live channel, from cache
// when fresh.
func (g *Guide) Programmes(ctx context.Context, streamID int) ([]Programme, error) {
	if cached, ok := g.cache.GetIfPresent(streamID); ok {
		return cached, nil
	}

	listings, err := g.source.ShortEPG(ctx, streamID, defaultLimit)
	if err != nil {
		return nil, err
	}

	progs := make([]Programme, 0, len(listings))
	for _, l := range listings {
		progs = append(progs, Programme{
			Title:       decodeField(l.Title),
			Description: decodeField(l.Description),
			Start:       parseUnix(l.StartTimestamp),
			Stop:        parseUnix(l.StopTimestamp),
		})
	}

	g.cache.Set(streamID, progs)
	logger.Debug("{epg - Programmes} cached %d programmes for stream %d", len(progs), streamID)
	return progs, nil
}

// Invalidate drops the cached listing for one channel.
func (g *Guide) Invalidate(streamID int) {
	g.cache.Invalidate(streamID)
}

// decodeField decodes the provider's base64 wrapping, falling back to the
// raw value for providers that send plain text.
func decodeField(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(decoded)
}

func parseUnix(s string) time.Time {
	unix, err := strconv.ParseInt(s, 10, 64)
	if err != nil || unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
