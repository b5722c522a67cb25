package transport

import (
	"context"
	"strings"
)

// Direct calls the backend REST API itself.
type Direct struct {
	base
	baseURL string
}

// NewDirect creates a transport for {baseURL}/{resource}/{id}.
func NewDirect(baseURL string, opts ...Option) *Direct {
	return &Direct{
		base:    newBase(opts),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Execute performs one request.
func (d *Direct) Execute(ctx context.Context, req Request) (*Response, error) {
	target := d.baseURL + "/" + req.Path()
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return d.do(ctx, req.method(), target, req.Body)
}

// Mode returns ModeDirect.
func (d *Direct) Mode() Mode {
	return ModeDirect
}
