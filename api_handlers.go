package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xtream-relay/work/catalog"
	"xtream-relay/work/epg"
	"xtream-relay/work/logger"
	"xtream-relay/work/middleware"
	"xtream-relay/work/restream"
	"xtream-relay/work/utils"
)

// StatusResponse carries the operational overview served by /api/status.
type StatusResponse struct {
	Uptime         string          `json:"uptime"`
	Channels       int             `json:"channels"`
	ActiveSessions int             `json:"activeSessions"`
	StreamingSlots int             `json:"streamingSlots"`
	SlotsInUse     int             `json:"slotsInUse"`
	LastRefresh    string          `json:"lastRefresh,omitempty"`
	Refreshing     bool            `json:"refreshing"`
	MemoryUsage    string          `json:"memoryUsage"`
	Sessions       []restream.Info `json:"sessions"`
	ProviderSet    bool            `json:"providerConfigured"`
}

// setupRoutes wires every HTTP surface onto the router: the streaming
// endpoints, the M3U playlist, the JSON admin API, and Prometheus metrics.
func (a *App) setupRoutes(router *mux.Router) {
	router.HandleFunc("/live/{id:[0-9]+}", a.handleStream(catalog.KindLive)).Methods("GET")
	router.HandleFunc("/live/{id:[0-9]+}.ts", a.handleStream(catalog.KindLive)).Methods("GET")
	router.HandleFunc("/vod/{id:[0-9]+}", a.handleStream(catalog.KindVOD)).Methods("GET")

	router.HandleFunc("/playlist.m3u", a.handlePlaylist).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.Gzip)
	api.HandleFunc("/settings", a.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", a.handleUpdateSettings).Methods("PUT")
	api.HandleFunc("/categories", a.handleCategories).Methods("GET")
	api.HandleFunc("/channels", a.handleChannels).Methods("GET")
	api.HandleFunc("/epg/{id:[0-9]+}", a.handleEPG).Methods("GET")
	api.HandleFunc("/refresh", a.handleRefresh).Methods("POST")
	api.HandleFunc("/status", a.handleStatus).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{api - writeJSON} encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStream relays one channel to one client. The registry guarantees all
// clients of the same channel share a single upstream connection; this
// handler just pulls from its own cursor and pushes to the response.
func (a *App) handleStream(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel id")
			return
		}

		ch, ok := a.Catalog.Get(kind, id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown channel")
			return
		}

		select {
		case a.clientSlots <- struct{}{}:
			defer func() { <-a.clientSlots }()
		default:
			logger.Warn("[EVENT] Channel %s: rejecting client %s, all %d slots busy",
				ch.Name, r.RemoteAddr, cap(a.clientSlots))
			writeError(w, http.StatusServiceUnavailable, "too many concurrent streams")
			return
		}

		upstreamURL, err := a.Catalog.StreamURL(ch)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "provider not configured")
			return
		}

		cur, err := a.Registry.Open(r.Context(), upstreamURL, utils.SanitizeName(ch.Name))
		if err != nil {
			logger.Error("[EVENT] Channel %s: upstream connect failed for client %s: %v",
				ch.Name, r.RemoteAddr, err)
			writeError(w, http.StatusBadGateway, "upstream connect failed")
			return
		}
		defer cur.Close()

		logger.Info("[EVENT] Channel %s: client %s connected", ch.Name, r.RemoteAddr)

		if kind == catalog.KindLive {
			w.Header().Set("Content-Type", "video/mp2t")
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 64<<10)
		var sent int64

		for {
			n, status := cur.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					logger.Debug("{api - handleStream} client %s write failed: %v", r.RemoteAddr, werr)
					break
				}
				if flusher != nil {
					flusher.Flush()
				}
				sent += int64(n)
			}

			if status == restream.StatusGap {
				logger.Warn("[EVENT] Channel %s: client %s fell behind, skipped ahead", ch.Name, r.RemoteAddr)
				continue
			}
			if status != restream.StatusOk {
				logger.Info("[EVENT] Channel %s: client %s disconnecting (%s)", ch.Name, r.RemoteAddr, status)
				break
			}
		}

		logger.Info("[EVENT] Channel %s: client %s disconnected after %s",
			ch.Name, r.RemoteAddr, utils.FormatBytes(sent))
	}
}

// handlePlaylist renders the live listing as an M3U playlist pointing at this
// relay's own streaming endpoints.
func (a *App) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channels := a.Catalog.Channels(catalog.KindLive, r.URL.Query().Get("category"))

	catNames := make(map[string]string)
	for _, cat := range a.Catalog.Categories(catalog.KindLive) {
		catNames[cat.ID] = cat.Name
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	fmt.Fprint(w, "#EXTM3U\n")
	for _, ch := range channels {
		group := catNames[ch.CategoryID]
		if ch.Group != "" {
			group = ch.Group + " - " + group
		}
		fmt.Fprintf(w, "#EXTINF:-1 tvg-id=%q tvg-logo=%q group-title=%q,%s\n",
			ch.EpgChannelID, ch.Logo, group, ch.Name)
		fmt.Fprintf(w, "%s/live/%d.ts\n", a.Config.BaseURL, ch.StreamID)
	}
}

func (a *App) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s := a.Settings.Get()
	// Never echo the provider password back out.
	s.Password = ""
	writeJSON(w, http.StatusOK, s)
}

func (a *App) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	s := a.Settings.Get()
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings payload: "+err.Error())
		return
	}
	if err := a.Settings.Update(s); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	updated := a.Settings.Get()
	updated.Password = ""
	writeJSON(w, http.StatusOK, updated)
}

func (a *App) handleCategories(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = catalog.KindLive
	}
	writeJSON(w, http.StatusOK, a.Catalog.Categories(kind))
}

func (a *App) handleChannels(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = catalog.KindLive
	}

	var channels []*catalog.Channel
	if q := r.URL.Query().Get("q"); q != "" {
		channels = a.Catalog.Search(kind, q)
	} else {
		channels = a.Catalog.Channels(kind, r.URL.Query().Get("category"))
	}
	if channels == nil {
		channels = []*catalog.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (a *App) handleEPG(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	if _, ok := a.Catalog.Get(catalog.KindLive, id); !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	progs, err := a.Guide.Programmes(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "guide fetch failed: "+err.Error())
		return
	}
	if progs == nil {
		progs = []epg.Programme{}
	}
	writeJSON(w, http.StatusOK, progs)
}

// handleRefresh kicks off a catalog refresh in the background and returns
// immediately; /api/status reports on its progress.
func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !a.Settings.Get().Configured() {
		writeError(w, http.StatusServiceUnavailable, "provider not configured")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := a.Catalog.Refresh(ctx); err != nil {
			logger.Error("[CATALOG] Manual refresh failed: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := StatusResponse{
		Uptime:         time.Since(a.startedAt).Round(time.Second).String(),
		Channels:       a.Catalog.ChannelCount(),
		ActiveSessions: a.Registry.SessionCount(),
		StreamingSlots: cap(a.clientSlots),
		SlotsInUse:     len(a.clientSlots),
		Refreshing:     a.Catalog.Refreshing(),
		MemoryUsage:    utils.FormatBytes(int64(mem.Alloc)),
		Sessions:       a.Registry.Snapshot(),
		ProviderSet:    a.Settings.Get().Configured(),
	}
	if last := a.Catalog.LastRefresh(); !last.IsZero() {
		resp.LastRefresh = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
