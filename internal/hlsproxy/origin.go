package hlsproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	originMaxIdleConns        = 100
	originMaxIdleConnsPerHost = 50
	originIdleConnTimeout     = 90 * time.Second
	originDialTimeout         = 10 * time.Second
)

// OriginClient issues GET requests to the origin over a shared, pooled
// connection set, presenting the configured client identity headers.
type OriginClient struct {
	client  *http.Client
	headers http.Header
}

// NewOriginClient returns a client with a keep-alive transport. headerTimeout
// bounds the wait for response headers; whole-request deadlines come from
// the caller's context.
func NewOriginClient(headers http.Header, headerTimeout time.Duration) *OriginClient {
	dialer := &net.Dialer{Timeout: originDialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          originMaxIdleConns,
		MaxIdleConnsPerHost:   originMaxIdleConnsPerHost,
		IdleConnTimeout:       originIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return NewOriginClientWith(&http.Client{Transport: transport}, headers)
}

// NewOriginClientWith wraps an existing http.Client, e.g. one from httptest.
func NewOriginClientWith(client *http.Client, headers http.Header) *OriginClient {
	if headers == nil {
		headers = http.Header{}
	}
	return &OriginClient{client: client, headers: headers}
}

// Get requests target with the identity headers plus extra. A non-2xx
// response is closed and reported as *OriginStatusError. On success the
// caller owns resp.Body.
func (o *OriginClient) Get(ctx context.Context, target string, extra http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for k, vs := range o.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range extra {
		req.Header[k] = append([]string(nil), vs...)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &OriginStatusError{URL: target, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
