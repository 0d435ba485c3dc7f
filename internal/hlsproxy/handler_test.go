package hlsproxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/ping", h.Ping)
	r.Get("/player", h.Player)
	r.Get("/proxy", h.Proxy)
	return r
}

func serve(r http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Proxy_manifest_then_segment(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	origin.addSegment("/42/seg1.ts", []byte("TSDATA"))
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	rec := serve(r, "/proxy?stream=42&path=mono.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest: expected 200, got %d", rec.Code)
	}
	want := "#EXTM3U\n#EXTINF:5,\n/proxy?stream=42&path=seg1.ts\n"
	if rec.Body.String() != want {
		t.Errorf("manifest body = %q, want %q", rec.Body.String(), want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != PlaylistContentType {
		t.Errorf("expected playlist content type, got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=5" {
		t.Errorf("expected cache-control public, max-age=5, got %q", cc)
	}

	rec = serve(r, "/proxy?stream=42&path=seg1.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("segment: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/MP2T" {
		t.Errorf("expected video/MP2T, got %q", ct)
	}
	if rec.Body.String() != "TSDATA" {
		t.Errorf("segment body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "6" {
		t.Errorf("expected origin content length forwarded, got %q", rec.Header().Get("Content-Length"))
	}
	if n := origin.hitCount("/42/seg1.ts"); n != 1 {
		t.Errorf("expected one origin segment fetch, got %d", n)
	}
}

func TestHandler_Proxy_missing_path(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	for _, target := range []string{"/proxy", "/proxy?stream=42", "/proxy?stream=42&path="} {
		rec := serve(r, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "missing path parameter") {
			t.Errorf("%s: unexpected body %q", target, rec.Body.String())
		}
	}
	if origin.totalHits() != 0 {
		t.Error("missing path must not reach the origin")
	}
}

func TestHandler_Proxy_invalid_path(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	for _, p := range []string{"index.html", "other.m3u8", "../secret"} {
		rec := serve(r, "/proxy?stream=42&path="+url.QueryEscape(p))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", p, rec.Code)
		}
	}
	if origin.totalHits() != 0 {
		t.Error("invalid path must not reach the origin")
	}
}

func TestHandler_Proxy_manifest_origin_failure(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	origin.setManifestStatus(http.StatusServiceUnavailable)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	rec := serve(r, "/proxy?stream=42&path=mono.m3u8")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "error fetching playlist") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestHandler_Proxy_segment_origin_failure(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	rec := serve(r, "/proxy?stream=42&path=gone.ts")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 when origin has no segment, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "video/MP2T" {
		t.Error("failed segment must not be labelled as media")
	}
}

func TestHandler_Proxy_default_channel(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	rec := serve(r, "/proxy?path=mono.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if n := origin.hitCount("/" + string(DefaultChannel) + "/mono.m3u8"); n != 1 {
		t.Errorf("expected fetch of default channel manifest, got %d", n)
	}
	if !strings.Contains(rec.Body.String(), "stream="+string(DefaultChannel)) {
		t.Errorf("rewritten refs should carry the default channel: %q", rec.Body.String())
	}
}

func TestHandler_Proxy_indirect_flow(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:10,\n{origin}/hidden/1.ts?md5=a\n"
	origin := newTestOrigin(t, manifest)
	origin.addSegment("/hidden/1.ts?md5=a", []byte("ONE"))
	origin.addSegment("/hidden/2.ts?md5=b", []byte("TWO"))
	st := newTestStack(t, origin, ModeIndirect)
	r := newTestRouter(st.handler)

	segPath := "/proxy?stream=42&path=" + url.QueryEscape("1.ts?md5=a")

	rec := serve(r, segPath)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("segment before any manifest: expected 404, got %d", rec.Code)
	}

	rec = serve(r, "/proxy?stream=42&path=mono.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest: expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hidden") {
		t.Errorf("origin path leaked to client: %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), segPath) {
		t.Errorf("expected %q in manifest %q", segPath, rec.Body.String())
	}

	rec = serve(r, segPath)
	if rec.Code != http.StatusOK || rec.Body.String() != "ONE" {
		t.Fatalf("segment: got %d %q", rec.Code, rec.Body.String())
	}

	origin.setManifest("#EXTM3U\n#EXTINF:10,\n{origin}/hidden/2.ts?md5=b\n")
	st.clock.Advance(st.cfg.ManifestTTL)
	if rec := serve(r, "/proxy?stream=42&path=mono.m3u8"); rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}

	rec = serve(r, segPath)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stale generation reference: expected 404, got %d", rec.Code)
	}
	rec = serve(r, "/proxy?stream=42&path="+url.QueryEscape("2.ts?md5=b"))
	if rec.Code != http.StatusOK || rec.Body.String() != "TWO" {
		t.Errorf("current generation: got %d %q", rec.Code, rec.Body.String())
	}
	if n := origin.hitCount("/hidden/1.ts?md5=a"); n != 1 {
		t.Errorf("stale reference must not reach origin, hits=%d", n)
	}
}

func TestHandler_Proxy_indirect_bad_table_url(t *testing.T) {
	origin := newTestOrigin(t, "")
	st := newTestStack(t, origin, ModeIndirect)
	r := newTestRouter(st.handler)

	st.cache.Publish("42", "m", map[string]string{"x.ts": "/relative/x.ts"})

	rec := serve(r, "/proxy?stream=42&path=x.ts")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed table url, got %d", rec.Code)
	}
	if origin.totalHits() != 0 {
		t.Error("malformed url must not be dereferenced")
	}
}

func TestHandler_Proxy_brotli_playlist(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	req := httptest.NewRequest(http.MethodGet, "/proxy?stream=42&path=mono.m3u8", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("expected br encoding, got %q", rec.Header().Get("Content-Encoding"))
	}
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(rec.Body.Bytes())))
	if err != nil {
		t.Fatalf("decode brotli: %v", err)
	}
	if string(plain) != "#EXTM3U\n#EXTINF:5,\n/proxy?stream=42&path=seg1.ts\n" {
		t.Errorf("decoded playlist = %q", plain)
	}
}

func TestHandler_Proxy_method_not_allowed(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)

	req := httptest.NewRequest(http.MethodPost, "/proxy?stream=42&path=mono.m3u8", nil)
	rec := httptest.NewRecorder()
	st.handler.Proxy(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandler_Ping(t *testing.T) {
	origin := newTestOrigin(t, "")
	st := newTestStack(t, origin, ModeDirect)

	rec := serve(newTestRouter(st.handler), "/ping")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("ping: got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_Player(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)

	rec := serve(newTestRouter(st.handler), "/player?stream=42")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Channel 42") || !strings.Contains(body, "mono.m3u8") {
		t.Errorf("player page missing channel manifest: %s", body)
	}
	if origin.totalHits() != 0 {
		t.Error("rendering the player must not fetch the manifest")
	}
}

func TestHandler_Proxy_rejects_unreferenced_hosts(t *testing.T) {
	foreign := newTestOrigin(t, "")
	foreign.addSegment("/admin/secret.ts", []byte("INTERNAL-SECRET"))
	origin := newTestOrigin(t, exampleManifest)
	origin.addSegment("/admin.ts", []byte("ROOT"))
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	if rec := serve(r, "/proxy?stream=42&path=mono.m3u8"); rec.Code != http.StatusOK {
		t.Fatalf("manifest: expected 200, got %d", rec.Code)
	}

	refs := []string{
		foreign.URL + "/admin/secret.ts",
		strings.TrimPrefix(foreign.URL, "http:") + "/admin/secret.ts",
		"../../admin.ts",
		"%2e%2e/admin.ts",
		origin.URL + "/admin.ts",
	}
	for _, ref := range refs {
		rec := serve(r, "/proxy?stream=42&path="+url.QueryEscape(ref))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", ref, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "SECRET") || strings.Contains(rec.Body.String(), "ROOT") {
			t.Errorf("%q: body leaked %q", ref, rec.Body.String())
		}
	}
	if n := foreign.totalHits(); n != 0 {
		t.Errorf("foreign host must not be contacted, hits=%d", n)
	}
	if n := origin.hitCount("/admin.ts"); n != 0 {
		t.Errorf("paths outside the channel base must not be fetched, hits=%d", n)
	}

	rec := serve(r, "/proxy?stream=42&path="+url.QueryEscape(foreign.URL+"/admin/secret.tsx"))
	if rec.Code != http.StatusBadRequest || foreign.totalHits() != 0 {
		t.Errorf("marker in the middle of a name is not a segment: %d", rec.Code)
	}
}

func TestHandler_Proxy_serves_origins_from_manifest(t *testing.T) {
	cdn := newTestOrigin(t, "")
	cdn.addSegment("/live/a.ts", []byte("CDN"))
	origin := newTestOrigin(t, "#EXTM3U\n#EXTINF:5,\n"+cdn.URL+"/live/a.ts\n")
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	segPath := "/proxy?stream=42&path=" + url.QueryEscape(cdn.URL+"/live/a.ts")
	if rec := serve(r, segPath); rec.Code != http.StatusBadRequest {
		t.Fatalf("before the manifest references it: expected 400, got %d", rec.Code)
	}

	rec := serve(r, "/proxy?stream=42&path=mono.m3u8")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), segPath) {
		t.Fatalf("manifest: got %d %q", rec.Code, rec.Body.String())
	}
	rec = serve(r, segPath)
	if rec.Code != http.StatusOK || rec.Body.String() != "CDN" {
		t.Errorf("referenced origin: got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_Proxy_rejects_dot_channels(t *testing.T) {
	origin := newTestOrigin(t, exampleManifest)
	st := newTestStack(t, origin, ModeDirect)
	r := newTestRouter(st.handler)

	for _, ch := range []string{".", ".."} {
		for _, p := range []string{"mono.m3u8", "seg1.ts"} {
			rec := serve(r, "/proxy?stream="+ch+"&path="+p)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("stream=%s path=%s: expected 400, got %d", ch, p, rec.Code)
			}
		}
	}
	if n := origin.totalHits(); n != 0 {
		t.Errorf("dot channels must not reach the origin, hits=%d", n)
	}
}

func TestHandler_serveSegment_invalid_path_body(t *testing.T) {
	origin := newTestOrigin(t, "")
	st := newTestStack(t, origin, ModeDirect)

	req := httptest.NewRequest(http.MethodGet, "/proxy?stream=42&path=index.html", nil)
	rec := httptest.NewRecorder()
	st.handler.serveSegment(rec, req, "42", "index.html")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != ErrInvalidPath.Error() {
		t.Errorf("body should name the invalid path, got %q", rec.Body.String())
	}
}
