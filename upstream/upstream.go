// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements an imagegateway.Fetcher that delegates image
// transformation to a remote resizing service.
//
// Requests are sent to URLs of the form
//
//	<base>/<options>/<target>
//
// which is the layout used by Cloudflare image resizing ("/cdn-cgi/image/").
package upstream

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"willnorris.com/go/imagegateway"
)

// Fetcher fetches transformed images from a remote resizing service.
type Fetcher struct {
	// Base is the URL of the resizing endpoint, such as
	// "https://example.com/cdn-cgi/image".
	Base *url.URL

	// Client is used to send requests.  If nil, http.DefaultClient is used.
	Client *http.Client

	Logger *zap.Logger
}

var _ imagegateway.Fetcher = (*Fetcher)(nil)

// New returns a Fetcher that sends requests to base using client.
func New(base *url.URL, client *http.Client) *Fetcher {
	return &Fetcher{Base: base, Client: client}
}

// Fetch requests the image at req.URL from the resizing service, carrying
// the headers of req.  The response is returned as-is.
func (f *Fetcher) Fetch(req *http.Request, opt imagegateway.Options) (*http.Response, error) {
	u := f.URL(req.URL, opt)

	r, err := http.NewRequestWithContext(req.Context(), http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	r.Header = req.Header.Clone()

	f.logger().Debug("fetching from resizing service", zap.String("url", u))

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(r)
}

// URL returns the resizing service URL for target transformed with opt.
func (f *Fetcher) URL(target *url.URL, opt imagegateway.Options) string {
	parts := []string{strings.TrimSuffix(f.Base.String(), "/")}
	if s := opt.String(); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, target.String())
	return strings.Join(parts, "/")
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}
