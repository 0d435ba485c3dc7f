package hlsproxy

import (
	"net/url"
	"strings"
)

// RewriteOptions controls how RewritePlaylist rewrites segment lines.
type RewriteOptions struct {
	Mode      Mode
	Channel   ChannelID
	Marker    string
	ProxyPath string
	// Base is the channel's origin base URL. In ModeIndirect relative segment
	// lines are resolved against it before being stored in the segment table.
	Base *url.URL
}

// RewriteResult is the output of RewritePlaylist.
type RewriteResult struct {
	Manifest string
	// Segments maps client-visible filenames to origin URLs. Nil in ModeDirect.
	Segments map[string]string
	// Origins holds the scheme://host of every segment that names its own
	// host. The relay accepts absolute targets only on these origins and the
	// channel base.
	Origins map[string]struct{}
	// Rewritten is the number of segment lines replaced.
	Rewritten int
}

// RewritePlaylist scans body line by line and replaces every segment
// reference with a proxy-relative reference. Tag and comment lines, blank
// lines and line terminators are copied unchanged, so line count and order
// are preserved. A playlist with no segment lines is returned as is.
func RewritePlaylist(body string, opts RewriteOptions) RewriteResult {
	res := RewriteResult{Origins: make(map[string]struct{})}
	if opts.Mode == ModeIndirect {
		res.Segments = make(map[string]string)
	}

	var b strings.Builder
	b.Grow(len(body) + len(body)/2)

	for len(body) > 0 {
		line, rest, hasNewline := strings.Cut(body, "\n")
		body = rest

		content := strings.TrimSuffix(line, "\r")
		eol := line[len(content):]

		if ref, ok := segmentRef(content, opts.Marker); ok {
			content = rewriteRef(ref, opts, &res)
			res.Rewritten++
		}

		b.WriteString(content)
		b.WriteString(eol)
		if hasNewline {
			b.WriteByte('\n')
		}
	}

	res.Manifest = b.String()
	return res
}

// segmentRef returns the trimmed segment reference on line, if line is a
// rewrite candidate. The comment check runs before the marker check so tags
// mentioning the marker are never touched. The marker rule is the relay's,
// so every rewritten reference is accepted on the way back.
func segmentRef(line, marker string) (string, bool) {
	ref := strings.TrimSpace(line)
	if ref == "" || isTagLine(ref) {
		return "", false
	}
	if !isSegmentRef(ref, marker) {
		return "", false
	}
	return ref, true
}

func isTagLine(line string) bool {
	return strings.HasPrefix(line, "#")
}

func rewriteRef(ref string, opts RewriteOptions, res *RewriteResult) string {
	if opts.Mode != ModeIndirect {
		return ProxyRef(opts.ProxyPath, opts.Channel, directRef(opts.Base, ref, res.Origins))
	}
	name := SegmentFilename(ref)
	target := resolveRef(opts.Base, ref)
	if u, err := url.Parse(target); err == nil && isFetchableURL(u) {
		res.Origins[originOf(u)] = struct{}{}
	}
	res.Segments[name] = target
	return ProxyRef(opts.ProxyPath, opts.Channel, name)
}

// directRef returns the reference to embed for ref in direct mode. A ref that
// names its own host records that origin. A relative ref that climbs out of
// the channel base is embedded in resolved absolute form and its origin
// recorded, since the relay only resolves relative refs inside the base.
func directRef(base *url.URL, ref string, origins map[string]struct{}) string {
	u, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	target := base.ResolveReference(u)
	if u.Scheme != "" || u.Host != "" {
		if isFetchableURL(target) {
			origins[originOf(target)] = struct{}{}
		}
		return ref
	}
	if !withinBase(base, target) {
		origins[originOf(target)] = struct{}{}
		return target.String()
	}
	return ref
}

// ProxyRef builds the client-visible reference for ref on channel.
func ProxyRef(proxyPath string, channel ChannelID, ref string) string {
	return proxyPath + "?stream=" + url.QueryEscape(string(channel)) + "&path=" + url.QueryEscape(ref)
}

// SegmentFilename returns the final path segment of ref together with any
// query string, e.g. "http://origin/1700000000.ts?md5=abc" gives
// "1700000000.ts?md5=abc".
func SegmentFilename(ref string) string {
	p, query, hasQuery := strings.Cut(ref, "?")
	name := p[strings.LastIndex(p, "/")+1:]
	if name == "" {
		name = p
	}
	if hasQuery {
		name += "?" + query
	}
	return name
}

// resolveRef makes ref absolute against base. Absolute refs are returned
// verbatim; refs that do not parse are returned as is and rejected later by
// URL validation in the relay.
func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
