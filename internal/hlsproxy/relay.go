package hlsproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"hls-relay/internal/platform/metrics"
)

const relayBufferSize = 32 << 10

var relayBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// Relay resolves client segment references to origin URLs and streams the
// origin bytes back through a fixed-size buffer.
type Relay struct {
	cfg     Config
	origin  *OriginClient
	cache   *Cache
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRelay returns a Relay. Metrics may be nil to disable metric recording.
func NewRelay(cfg Config, origin *OriginClient, cache *Cache, log *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		cfg:     cfg.WithDefaults(),
		origin:  origin,
		cache:   cache,
		log:     log,
		metrics: m,
	}
}

// ResolveSegment maps a client-presented reference to the origin URL to fetch.
//
// In direct mode ref is resolved against the channel's origin base URL. A
// target under the base is accepted; a relative ref that leaves it is not,
// and a ref naming its own host elsewhere is accepted only on an origin the
// channel's manifest referenced. In
// indirection mode ref is looked up in the channel's current segment table; a
// miss is ErrSegmentNotFound. A rejected or malformed target is
// ErrInvalidSegmentURL. No origin traffic happens here.
func (r *Relay) ResolveSegment(channel ChannelID, ref string) (string, error) {
	if !r.cfg.IsSegmentRef(ref) {
		return "", ErrInvalidPath
	}

	if r.cfg.Mode == ModeIndirect {
		target, err := r.cache.SegmentURL(channel, ref)
		if err != nil {
			return "", err
		}
		u, err := url.Parse(target)
		if err != nil || !isFetchableURL(u) {
			return "", fmt.Errorf("%w: %q", ErrInvalidSegmentURL, target)
		}
		return target, nil
	}

	base, err := r.cfg.ChannelBaseURL(channel)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSegmentURL, err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSegmentURL, err)
	}
	target := base.ResolveReference(u)
	if !isFetchableURL(target) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegmentURL, ref)
	}

	if withinBase(base, target) {
		return target.String(), nil
	}
	if u.Scheme == "" && u.Host == "" {
		return "", fmt.Errorf("%w: %q leaves the channel base", ErrInvalidSegmentURL, ref)
	}
	if origin := originOf(target); !r.cache.AllowsOrigin(channel, origin) {
		return "", fmt.Errorf("%w: origin %s not referenced by the manifest", ErrInvalidSegmentURL, origin)
	}
	return target.String(), nil
}

// Open starts the streamed origin request for target. The request is bound
// to ctx, so a client disconnect aborts it, and to the segment timeout.
// Closing the returned body releases the timeout.
func (r *Relay) Open(ctx context.Context, target string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SegmentTimeout)
	resp, err := r.origin.Get(ctx, target, nil)
	if err != nil {
		cancel()
		if r.metrics != nil {
			r.metrics.IncOriginErrors(metrics.KindSegment)
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Copy forwards body to w one buffer at a time, flushing after each write so
// bytes reach the client as they arrive. It returns the bytes written.
func (r *Relay) Copy(w http.ResponseWriter, body io.Reader) (int64, error) {
	bufp := relayBuffers.Get().(*[]byte)
	defer relayBuffers.Put(bufp)
	buf := *bufp

	rc := http.NewResponseController(w)
	var written int64
	defer func() {
		if r.metrics != nil {
			r.metrics.AddSegmentBytes(written)
		}
	}()

	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
