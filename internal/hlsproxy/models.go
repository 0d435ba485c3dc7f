package hlsproxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ChannelID selects which upstream stream to proxy. It is path-escaped and
// substituted into the origin URL template.
type ChannelID string

// Valid reports whether the channel can be substituted into the origin
// template without leaving it. "." and ".." are dot segments even after
// escaping.
func (c ChannelID) Valid() bool {
	return c != "" && c != "." && c != ".."
}

// Mode selects how segment references are exposed to clients.
type Mode string

const (
	// ModeDirect embeds the encoded origin reference in the client-visible URL.
	ModeDirect Mode = "direct"
	// ModeIndirect exposes only the segment filename and resolves it through
	// the channel's segment table.
	ModeIndirect Mode = "indirect"
)

// ChannelPlaceholder is replaced by the channel in Config.OriginURLTemplate.
const ChannelPlaceholder = "{channel}"

const (
	PlaylistContentType = "application/vnd.apple.mpegurl"
	SegmentContentType  = "video/MP2T"
)

// Defaults used by NewConfig and when a Config field is left zero.
const (
	DefaultChannel         ChannelID = "6027"
	DefaultManifestName              = "mono.m3u8"
	DefaultSegmentMarker             = ".ts"
	DefaultProxyPath                 = "/proxy"
	DefaultManifestTTL               = 15 * time.Second
	DefaultManifestTimeout           = 10 * time.Second
	DefaultSegmentTimeout            = 60 * time.Second
	DefaultCacheChannels             = 256
	DefaultUserAgent                 = "VLC/3.0.20 LibVLC/3.0.20"
)

var (
	// ErrMissingPath is returned when a request carries no path parameter.
	ErrMissingPath = errors.New("missing path parameter")

	// ErrInvalidChannel is returned for a channel id that would resolve
	// outside the origin URL template.
	ErrInvalidChannel = errors.New("invalid stream")

	// ErrInvalidPath is returned for a path that is neither the manifest
	// filename nor a segment reference.
	ErrInvalidPath = errors.New("invalid path")

	// ErrSegmentNotFound is returned when a segment filename cannot be resolved
	// through the current segment table. Clients should re-request the manifest.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrInvalidSegmentURL is returned when a resolved segment target is not a
	// well-formed absolute http(s) URL, or points outside the origins the
	// channel's manifest references. Such targets are never dereferenced.
	ErrInvalidSegmentURL = errors.New("invalid segment url")

	// ErrPlaylistFetch wraps any failure to retrieve the origin playlist.
	ErrPlaylistFetch = errors.New("error fetching playlist")
)

// OriginStatusError reports a non-success HTTP status from the origin.
type OriginStatusError struct {
	URL        string
	StatusCode int
}

func (e *OriginStatusError) Error() string {
	return fmt.Sprintf("origin %s returned status %d", e.URL, e.StatusCode)
}

// Config is the deployment-level configuration of the relay.
type Config struct {
	// OriginURLTemplate is the origin base URL with a {channel} placeholder,
	// e.g. "http://origin.example/{channel}/".
	OriginURLTemplate string
	DefaultChannel    ChannelID
	ManifestName      string
	SegmentMarker     string
	ProxyPath         string
	Mode              Mode
	ManifestTTL       time.Duration
	ManifestTimeout   time.Duration
	SegmentTimeout    time.Duration
	CacheChannels     int
	// OriginHeaders are sent on every origin request.
	OriginHeaders http.Header
}

// NewConfig returns a Config for the given origin template with all other
// fields set to their defaults.
func NewConfig(originTemplate string) Config {
	return Config{OriginURLTemplate: originTemplate}.WithDefaults()
}

// WithDefaults returns c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.DefaultChannel == "" {
		c.DefaultChannel = DefaultChannel
	}
	if c.ManifestName == "" {
		c.ManifestName = DefaultManifestName
	}
	if c.SegmentMarker == "" {
		c.SegmentMarker = DefaultSegmentMarker
	}
	if c.ProxyPath == "" {
		c.ProxyPath = DefaultProxyPath
	}
	if c.Mode == "" {
		c.Mode = ModeDirect
	}
	if c.ManifestTTL <= 0 {
		c.ManifestTTL = DefaultManifestTTL
	}
	if c.ManifestTimeout <= 0 {
		c.ManifestTimeout = DefaultManifestTimeout
	}
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = DefaultSegmentTimeout
	}
	if c.CacheChannels <= 0 {
		c.CacheChannels = DefaultCacheChannels
	}
	if c.OriginHeaders == nil {
		c.OriginHeaders = http.Header{}
		c.OriginHeaders.Set("User-Agent", DefaultUserAgent)
		c.OriginHeaders.Set("Accept", "*/*")
	}
	return c
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	if !strings.Contains(c.OriginURLTemplate, ChannelPlaceholder) {
		return fmt.Errorf("origin url template %q has no %s placeholder", c.OriginURLTemplate, ChannelPlaceholder)
	}
	if _, err := c.ChannelBaseURL(c.DefaultChannel); err != nil {
		return err
	}
	switch c.Mode {
	case ModeDirect, ModeIndirect:
	default:
		return fmt.Errorf("unknown proxy mode %q", c.Mode)
	}
	return nil
}

// Channel returns id, or the default channel when id is empty.
func (c Config) Channel(id string) ChannelID {
	if id == "" {
		return c.DefaultChannel
	}
	return ChannelID(id)
}

// ChannelBaseURL substitutes the channel into the origin template. The result
// is always absolute and ends with "/" so relative references resolve inside it.
func (c Config) ChannelBaseURL(channel ChannelID) (*url.URL, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	raw := strings.ReplaceAll(c.OriginURLTemplate, ChannelPlaceholder, url.PathEscape(string(channel)))
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("origin url for channel %q: %w", channel, err)
	}
	if !isFetchableURL(u) {
		return nil, fmt.Errorf("origin url for channel %q is not an absolute http(s) url: %s", channel, raw)
	}
	return u, nil
}

// ManifestURL is the origin URL of the channel's manifest.
func (c Config) ManifestURL(channel ChannelID) (string, error) {
	base, err := c.ChannelBaseURL(channel)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(c.ManifestName)
	if err != nil {
		return "", fmt.Errorf("manifest name %q: %w", c.ManifestName, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// IsSegmentRef reports whether ref parses as a URL reference whose path ends
// with the segment marker. Query strings are ignored, so "seg.ts?token=x"
// qualifies and "seg.tsx" does not.
func (c Config) IsSegmentRef(ref string) bool {
	return isSegmentRef(ref, c.SegmentMarker)
}

func isSegmentRef(ref, marker string) bool {
	if marker == "" {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, marker)
}

func isFetchableURL(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// originOf returns the scheme://host key of an absolute URL.
func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// withinBase reports whether target stays on base's origin and under its
// path once dot segments (including escaped ones) are cleaned.
func withinBase(base, target *url.URL) bool {
	if originOf(base) != originOf(target) {
		return false
	}
	prefix := path.Clean(base.Path)
	if prefix != "/" {
		prefix += "/"
	}
	return strings.HasPrefix(path.Clean(target.Path), prefix)
}

// IdentityHeaders builds the outbound client identity: User-Agent and a
// permissive Accept, plus "Name: value" items from extra. Malformed items are
// skipped.
func IdentityHeaders(userAgent string, extra []string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "*/*")
	for _, item := range extra {
		name, value, ok := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		h.Set(name, strings.TrimSpace(value))
	}
	return h
}
