// Package provider implements the Xtream-codes style JSON API client: account
// authentication, category and stream listings, short EPG, and stream URL
// construction. Listings are fetched category by category so huge accounts
// never require one giant response.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/ratelimit"

	"xtream-relay/work/client"
	"xtream-relay/work/config"
	"xtream-relay/work/logger"
	"xtream-relay/work/settings"
	"xtream-relay/work/utils"
)

// ErrNotConfigured is returned when provider credentials are missing.
var ErrNotConfigured = errors.New("provider: no credentials configured")

// Category is one entry from the get_live_categories / get_vod_categories
// endpoints.
type Category struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	ParentID     int    `json:"parent_id"`
}

// LiveStream is one entry from the get_live_streams endpoint.
type LiveStream struct {
	Num          int    `json:"num"`
	Name         string `json:"name"`
	StreamID     int    `json:"stream_id"`
	StreamIcon   string `json:"stream_icon"`
	EpgChannelID string `json:"epg_channel_id"`
	CategoryID   string `json:"category_id"`
	TVArchive    int    `json:"tv_archive"`
}

// VODStream is one entry from the get_vod_streams endpoint.
type VODStream struct {
	Num                int    `json:"num"`
	Name               string `json:"name"`
	StreamID           int    `json:"stream_id"`
	StreamIcon         string `json:"stream_icon"`
	CategoryID         string `json:"category_id"`
	ContainerExtension string `json:"container_extension"`
}

// Series is one entry from the get_series endpoint.
type Series struct {
	SeriesID   int    `json:"series_id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
	Cover      string `json:"cover"`
}

// EPGListing is one programme from get_short_epg. Title and description come
// base64 encoded from the provider; callers decode for display.
type EPGListing struct {
	ID             string `json:"id"`
	EpgID          string `json:"epg_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	StartTimestamp string `json:"start_timestamp"`
	StopTimestamp  string `json:"stop_timestamp"`
}

type shortEPGResponse struct {
	Listings []EPGListing `json:"epg_listings"`
}

// Client talks to one Xtream-codes provider account. Credentials are read
// from the settings manager on every call, so a REST settings update takes
// effect without rebuilding the client.
type Client struct {
	http    *client.HeaderSettingClient
	cfg     *config.Config
	mgr     *settings.Manager
	limiter ratelimit.Limiter
}

// New builds a provider client sharing the relay's HTTP client and rate
// limiter.
func New(httpClient *client.HeaderSettingClient, cfg *config.Config, mgr *settings.Manager, limiter ratelimit.Limiter) *Client {
	return &Client{
		http:    httpClient,
		cfg:     cfg,
		mgr:     mgr,
		limiter: limiter,
	}
}

// apiURL builds a player_api.php request URL for the given action.
func (c *Client) apiURL(action string, params url.Values) (string, error) {
	s := c.mgr.Get()
	if !s.Configured() {
		return "", ErrNotConfigured
	}

	q := url.Values{}
	q.Set("username", s.Username)
	q.Set("password", s.Password)
	q.Set("action", action)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	return s.BaseURL + "/player_api.php?" + q.Encode(), nil
}

// LiveCategories lists the provider's live TV categories.
func (c *Client) LiveCategories(ctx context.Context) ([]Category, error) {
	u, err := c.apiURL("get_live_categories", nil)
	if err != nil {
		return nil, err
	}
	return fetch[Category](ctx, c, u)
}

// LiveStreams lists live channels, optionally scoped to one category. The
// per-category form is the pagination unit for catalog refreshes.
func (c *Client) LiveStreams(ctx context.Context, categoryID string) ([]LiveStream, error) {
	params := url.Values{}
	if categoryID != "" {
		params.Set("category_id", categoryID)
	}
	u, err := c.apiURL("get_live_streams", params)
	if err != nil {
		return nil, err
	}
	return fetch[LiveStream](ctx, c, u)
}

// VODCategories lists the provider's video-on-demand categories.
func (c *Client) VODCategories(ctx context.Context) ([]Category, error) {
	u, err := c.apiURL("get_vod_categories", nil)
	if err != nil {
		return nil, err
	}
	return fetch[Category](ctx, c, u)
}

// VODStreams lists VOD entries, optionally scoped to one category.
func (c *Client) VODStreams(ctx context.Context, categoryID string) ([]VODStream, error) {
	params := url.Values{}
	if categoryID != "" {
		params.Set("category_id", categoryID)
	}
	u, err := c.apiURL("get_vod_streams", params)
	if err != nil {
		return nil, err
	}
	return fetch[VODStream](ctx, c, u)
}

// SeriesList lists series entries, optionally scoped to one category.
func (c *Client) SeriesList(ctx context.Context, categoryID string) ([]Series, error) {
	params := url.Values{}
	if categoryID != "" {
		params.Set("category_id", categoryID)
	}
	u, err := c.apiURL("get_series", params)
	if err != nil {
		return nil, err
	}
	return fetch[Series](ctx, c, u)
}

// ShortEPG fetches the next programmes for a live channel.
func (c *Client) ShortEPG(ctx context.Context, streamID, limit int) ([]EPGListing, error) {
	params := url.Values{}
	params.Set("stream_id", fmt.Sprintf("%d", streamID))
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	u, err := c.apiURL("get_short_epg", params)
	if err != nil {
		return nil, err
	}

	body, err := get(ctx, c, u)
	if err != nil {
		return nil, err
	}

	var resp shortEPGResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse short EPG response: %w", err)
	}
	return resp.Listings, nil
}

// LiveStreamURL constructs the upstream URL for a live channel. This URL is
// also the content id the session registry keys on.
func (c *Client) LiveStreamURL(streamID int) (string, error) {
	s := c.mgr.Get()
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	return fmt.Sprintf("%s/live/%s/%s/%d.ts", s.BaseURL, s.Username, s.Password, streamID), nil
}

// VODStreamURL constructs the upstream URL for a VOD entry.
func (c *Client) VODStreamURL(streamID int, containerExtension string) (string, error) {
	s := c.mgr.Get()
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	if containerExtension == "" {
		containerExtension = "mp4"
	}
	return fmt.Sprintf("%s/movie/%s/%s/%d.%s", s.BaseURL, s.Username, s.Password, streamID, containerExtension), nil
}

// fetch executes a GET against a player_api.php endpoint and parses the JSON
// array response into the requested element type.
func fetch[T any](ctx context.Context, c *Client, url string) ([]T, error) {
	body, err := get(ctx, c, url)
	if err != nil {
		return nil, err
	}

	var data []T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return data, nil
}

// get executes a rate-limited GET and returns the response body.
func get(ctx context.Context, c *Client, reqURL string) ([]byte, error) {
	if c.limiter != nil {
		c.limiter.Take()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	logger.Debug("{provider - get} %s returned %d bytes", utils.LogURL(c.cfg, reqURL), len(body))
	return body, nil
}
