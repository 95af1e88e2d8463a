// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"go.uber.org/zap"
	"willnorris.com/go/imagegateway"
)

// Fetcher fetches original images over HTTP and transforms them locally.  It
// implements imagegateway.Fetcher.
type Fetcher struct {
	Client    *http.Client // client used to fetch and transform remote images
	Transport *Transport   // transforming transport used by Client

	// RootDomain reduces a hostname to its root domain.  Redirects are only
	// followed within the root domain of the requested URL.  If nil,
	// imagegateway.RootDomain is used.
	RootDomain func(host string) string
}

// maximum number of redirects followed for a single image
const maxRedirects = 10

var _ imagegateway.Fetcher = (*Fetcher)(nil)

// NewFetcher constructs a new Fetcher.  The provided http RoundTripper will
// be used to fetch remote URLs.  If nil is provided, http.DefaultTransport
// will be used.  If cache is not nil, both original and transformed images
// are cached according to the HTTP caching headers of the remote server.
func NewFetcher(transport http.RoundTripper, cache httpcache.Cache, logger *zap.Logger) *Fetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := new(http.Client)
	tt := &Transport{
		Transport:     transport,
		CachingClient: client,
		Logger:        logger,
	}
	client.Transport = tt
	if cache != nil {
		client.Transport = &httpcache.Transport{
			Transport:           tt,
			Cache:               cache,
			MarkCachedResponses: true,
		}
	}

	f := &Fetcher{Client: client, Transport: tt}
	client.CheckRedirect = f.checkRedirect
	return f
}

// checkRedirect refuses redirects to schemes other than http and https, and
// to hosts outside the root domain of the first request in via.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if s := req.URL.Scheme; s != "http" && s != "https" {
		redirectsRefused.Inc()
		return fmt.Errorf("refusing redirect to %s: unsupported scheme", req.URL.Redacted())
	}

	rootDomain := f.RootDomain
	if rootDomain == nil {
		rootDomain = imagegateway.RootDomain
	}
	want := rootDomain(strings.ToLower(via[0].URL.Hostname()))
	if got := rootDomain(strings.ToLower(req.URL.Hostname())); got != want {
		redirectsRefused.Inc()
		return fmt.Errorf("refusing redirect to %s: outside %q", req.URL.Redacted(), want)
	}
	return nil
}

// Fetch retrieves the image at req.URL and transforms it according to opt.
// The options are carried to the Transport in the URL fragment.
func (f *Fetcher) Fetch(req *http.Request, opt imagegateway.Options) (*http.Response, error) {
	u := *req.URL
	u.Fragment = opt.String()

	r := req.Clone(req.Context())
	r.URL = &u
	r.RequestURI = ""

	resp, err := f.Client.Do(r)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get(httpcache.XFromCache) == "1" {
		requestServedFromCacheCount.Inc()
	}
	return resp, nil
}

// Transport is an implementation of http.RoundTripper that optionally
// transforms images using the options specified in the request URL fragment.
type Transport struct {
	// Transport is the underlying http.RoundTripper used to satisfy
	// non-transform requests (those that do not include a URL fragment).
	Transport http.RoundTripper

	// CachingClient is used to fetch images to be transformed.  This client
	// is used rather than Transport directly in order to ensure that
	// responses are properly cached.
	CachingClient *http.Client

	// UserAgent is sent with requests for remote images that do not already
	// carry a User-Agent header.
	UserAgent string

	Logger *zap.Logger
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Fragment == "" {
		// normal requests pass through
		t.logger().Debug("fetching remote URL", zap.Stringer("url", req.URL))
		if t.UserAgent != "" && req.Header.Get("User-Agent") == "" {
			req = req.Clone(req.Context())
			req.Header.Set("User-Agent", t.UserAgent)
		}
		return t.Transport.RoundTrip(req)
	}

	opt := imagegateway.ParseOptions(req.URL.Fragment)

	u := *req.URL
	u.Fragment = ""
	origin := req.Clone(req.Context())
	origin.URL = &u
	// let the transport negotiate compression, so that the body can be decoded
	origin.Header.Del("Accept-Encoding")

	resp, err := t.CachingClient.Do(origin)
	if err != nil {
		remoteImageFetchErrors.Inc()
		return nil, err
	}

	// anything other than an image is returned as-is
	if resp.StatusCode != http.StatusOK || !isImage(resp.Header.Get("Content-Type")) {
		return resp, nil
	}

	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		remoteImageFetchErrors.Inc()
		return nil, err
	}

	start := time.Now()
	img, contentType, err := Transform(b, opt)
	if err != nil {
		transformErrors.Inc()
		if opt.OnError != imagegateway.OnErrorRedirect {
			return nil, fmt.Errorf("error transforming image %s: %w", u.String(), err)
		}
		t.logger().Info("error transforming image, serving original",
			zap.Stringer("url", &u), zap.Stringer("options", opt), zap.Error(err))
		img, contentType = b, ""
	} else {
		imageTransformationSummary.Observe(time.Since(start).Seconds())
	}

	// replay response with transformed image and updated content length
	skip := map[string]bool{"Content-Length": true, httpcache.XFromCache: true}
	if contentType != "" {
		skip["Content-Type"] = true
	}
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%s %s\n", resp.Proto, resp.Status)
	if err := resp.Header.WriteSubset(buf, skip); err != nil {
		return nil, err
	}
	if contentType != "" {
		fmt.Fprintf(buf, "Content-Type: %s\n", contentType)
		if !headerContains(resp.Header, "Vary", "Accept") {
			fmt.Fprintf(buf, "Vary: Accept\n")
		}
	}
	fmt.Fprintf(buf, "Content-Length: %d\n\n", len(img))
	buf.Write(img)

	return http.ReadResponse(bufio.NewReader(buf), req)
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// isImage reports whether contentType is an image type.  A missing content
// type is treated as an image, and left to the decoder to reject.
func isImage(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

// headerContains reports whether any comma separated value of the header key
// in h equals value, ignoring case.
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h.Values(key) {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
