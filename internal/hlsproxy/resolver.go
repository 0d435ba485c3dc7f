package hlsproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"hls-relay/internal/platform/metrics"

	"golang.org/x/sync/singleflight"
)

// maxManifestBytes caps the origin playlist body read into memory.
const maxManifestBytes = 4 << 20

var errManifestTooLarge = errors.New("manifest exceeds size limit")

// Resolver serves rewritten manifests, fetching and rewriting the origin
// playlist on a cache miss. Concurrent misses for the same channel share one
// origin fetch.
type Resolver struct {
	cfg     Config
	origin  *OriginClient
	cache   *Cache
	log     *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewResolver returns a Resolver. Metrics may be nil to disable metric recording.
func NewResolver(cfg Config, origin *OriginClient, cache *Cache, log *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		cfg:     cfg.WithDefaults(),
		origin:  origin,
		cache:   cache,
		log:     log,
		metrics: m,
	}
}

// Resolve returns the rewritten manifest for channel. A cached, unexpired
// manifest is returned without origin traffic. Fetch failures wrap
// ErrPlaylistFetch and leave the cache untouched.
func (r *Resolver) Resolve(ctx context.Context, channel ChannelID) (string, error) {
	if m, ok := r.cache.Manifest(channel); ok {
		r.log.Debug("manifest cache hit", slog.String("channel", string(channel)))
		if r.metrics != nil {
			r.metrics.IncManifestCache(metrics.CacheHit)
		}
		return m, nil
	}
	if r.metrics != nil {
		r.metrics.IncManifestCache(metrics.CacheMiss)
	}

	// The shared fetch must not die with whichever caller started it.
	flight := r.group.DoChan(string(channel), func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), channel)
	})

	select {
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrPlaylistFetch, ctx.Err())
	}
}

func (r *Resolver) refresh(ctx context.Context, channel ChannelID) (string, error) {
	// A flight that finished just before this one started may have published.
	if m, ok := r.cache.Manifest(channel); ok {
		return m, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ManifestTimeout)
	defer cancel()

	manifestURL, err := r.cfg.ManifestURL(channel)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPlaylistFetch, err)
	}

	body, err := r.fetch(ctx, manifestURL)
	if err != nil {
		r.log.Warn("manifest fetch failed",
			slog.String("channel", string(channel)),
			slog.String("url", manifestURL),
			slog.String("error", err.Error()))
		if r.metrics != nil {
			r.metrics.IncOriginErrors(metrics.KindManifest)
		}
		return "", fmt.Errorf("%w: %w", ErrPlaylistFetch, err)
	}

	base, err := r.cfg.ChannelBaseURL(channel)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPlaylistFetch, err)
	}

	res := RewritePlaylist(body, RewriteOptions{
		Mode:      r.cfg.Mode,
		Channel:   channel,
		Marker:    r.cfg.SegmentMarker,
		ProxyPath: r.cfg.ProxyPath,
		Base:      base,
	})
	r.cache.PublishResult(channel, res)

	r.log.Info("manifest refreshed",
		slog.String("channel", string(channel)),
		slog.String("mode", string(r.cfg.Mode)),
		slog.Int("segments", res.Rewritten),
		slog.Int("bytes", len(res.Manifest)))
	return res.Manifest, nil
}

func (r *Resolver) fetch(ctx context.Context, manifestURL string) (string, error) {
	extra := http.Header{}
	extra.Set("Icy-MetaData", "1")

	resp, err := r.origin.Get(ctx, manifestURL, extra)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	if len(b) > maxManifestBytes {
		return "", errManifestTooLarge
	}
	return string(b), nil
}
