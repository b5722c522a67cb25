package transport

import (
	"context"
	"net/url"
	"strings"
)

// ProxyRoute is the gateway route that forwards to the backend.
const ProxyRoute = "/api/proxy"

// Proxy sends every request through the gateway's proxy route, which forwards it to
// the backend and mirrors status and body.
type Proxy struct {
	base
	proxyURL string
}

// NewProxy creates a transport for {proxyURL}/api/proxy.
func NewProxy(proxyURL string, opts ...Option) *Proxy {
	return &Proxy{
		base:     newBase(opts),
		proxyURL: strings.TrimRight(proxyURL, "/"),
	}
}

// Execute performs one request. The backend path and any query string travel in the
// path parameter; the method is sent both as the HTTP method and the method parameter.
func (p *Proxy) Execute(ctx context.Context, req Request) (*Response, error) {
	path := req.Path()
	if len(req.Query) > 0 {
		path += "?" + req.Query.Encode()
	}

	q := url.Values{}
	q.Set("path", path)
	q.Set("method", req.method())

	return p.do(ctx, req.method(), p.proxyURL+ProxyRoute+"?"+q.Encode(), req.Body)
}

// Mode returns ModeProxy.
func (p *Proxy) Mode() Mode {
	return ModeProxy
}
