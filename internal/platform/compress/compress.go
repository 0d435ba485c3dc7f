package compress

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// EncodingBrotli is the Content-Encoding token for brotli.
const EncodingBrotli = "br"

// AcceptsBrotli reports whether the request's Accept-Encoding lists br with a
// non-zero quality.
func AcceptsBrotli(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(token), EncodingBrotli) {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}

// WriteBody writes status and body to w, brotli-encoded when the client
// accepts it. Headers already set on w are kept; Content-Length is only set
// for identity responses.
func WriteBody(w http.ResponseWriter, r *http.Request, status int, body []byte) error {
	w.Header().Add("Vary", "Accept-Encoding")

	if !AcceptsBrotli(r) {
		w.WriteHeader(status)
		_, err := w.Write(body)
		return err
	}

	w.Header().Set("Content-Encoding", EncodingBrotli)
	w.Header().Del("Content-Length")
	w.WriteHeader(status)

	bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
	if _, err := bw.Write(body); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}
