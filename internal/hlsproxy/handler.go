package hlsproxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"hls-relay/internal/platform/compress"
	"hls-relay/internal/platform/metrics"
)

// playlistCacheControl lets players and intermediaries reuse a manifest briefly.
const playlistCacheControl = "public, max-age=5"

// Handler exposes the relay HTTP endpoints using go-chi.
type Handler struct {
	cfg      Config
	resolver *Resolver
	relay    *Relay
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Resolver, Relay, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(cfg Config, resolver *Resolver, relay *Relay, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{cfg: cfg.WithDefaults(), resolver: resolver, relay: relay, log: log, metrics: m}
}

// Proxy handles GET /proxy?stream=<channel>&path=<ref>.
// path equal to the manifest name serves the rewritten playlist; a path
// carrying the segment marker streams the segment; anything else is 400.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	channel := h.cfg.Channel(q.Get("stream"))
	ref := q.Get("path")

	switch {
	case !channel.Valid():
		http.Error(w, ErrInvalidChannel.Error(), http.StatusBadRequest)
	case ref == "":
		http.Error(w, ErrMissingPath.Error(), http.StatusBadRequest)
	case ref == h.cfg.ManifestName:
		h.servePlaylist(w, r, channel)
	case h.cfg.IsSegmentRef(ref):
		h.serveSegment(w, r, channel, ref)
	default:
		h.log.Debug("invalid proxy path", slog.String("channel", string(channel)), slog.String("path", ref))
		http.Error(w, ErrInvalidPath.Error(), http.StatusBadRequest)
	}
}

func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, channel ChannelID) {
	m3u8, err := h.resolver.Resolve(r.Context(), channel)
	if err != nil {
		h.log.Error("resolve playlist failed",
			slog.String("channel", string(channel)),
			slog.String("error", err.Error()))
		http.Error(w, ErrPlaylistFetch.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", PlaylistContentType)
	w.Header().Set("Cache-Control", playlistCacheControl)
	if err := compress.WriteBody(w, r, http.StatusOK, []byte(m3u8)); err != nil {
		h.log.Debug("write playlist failed", slog.String("channel", string(channel)), slog.String("error", err.Error()))
	}
}

func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request, channel ChannelID, ref string) {
	target, err := h.relay.ResolveSegment(channel, ref)
	if err != nil {
		switch {
		case errors.Is(err, ErrSegmentNotFound):
			h.log.Info("segment not in current table",
				slog.String("channel", string(channel)),
				slog.String("path", ref))
			http.Error(w, ErrSegmentNotFound.Error(), http.StatusNotFound)
		case errors.Is(err, ErrInvalidPath):
			http.Error(w, ErrInvalidPath.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrInvalidSegmentURL):
			h.log.Warn("segment reference rejected",
				slog.String("channel", string(channel)),
				slog.String("path", ref),
				slog.String("error", err.Error()))
			http.Error(w, ErrInvalidSegmentURL.Error(), http.StatusBadRequest)
		default:
			h.log.Error("resolve segment failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	resp, err := h.relay.Open(r.Context(), target)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			h.log.Debug("client gone before segment fetch", slog.String("path", ref))
			return
		}
		h.log.Warn("segment fetch failed",
			slog.String("channel", string(channel)),
			slog.String("path", ref),
			slog.String("error", err.Error()))
		http.Error(w, "error fetching segment", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", SegmentContentType)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if h.metrics != nil {
		h.metrics.IncSegmentsServed()
	}

	n, err := h.relay.Copy(w, resp.Body)
	if err != nil {
		if r.Context().Err() != nil {
			h.log.Debug("client disconnected during segment",
				slog.String("path", ref),
				slog.Int64("bytes", n))
			return
		}
		h.log.Warn("segment relay interrupted",
			slog.String("channel", string(channel)),
			slog.String("path", ref),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
	}
}

// Ping handles GET /ping.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
