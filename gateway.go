// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package imagegateway provides an HTTP gateway that validates image resize
// requests and hands them to an image transformation collaborator.  For
// typical use of creating and using a Gateway, see cmd/imagegateway/main.go.
package imagegateway // import "willnorris.com/go/imagegateway"

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// A Fetcher retrieves the image at req.URL, transformed according to opt.
// The caller is responsible for closing the returned response body.
type Fetcher interface {
	Fetch(req *http.Request, opt Options) (*http.Response, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(req *http.Request, opt Options) (*http.Response, error)

// Fetch calls f(req, opt).
func (f FetcherFunc) Fetch(req *http.Request, opt Options) (*http.Response, error) {
	return f(req, opt)
}

// Gateway serves image resize requests of the form
// "/?image=<url>&width=<w>&height=<h>&fit=<fit>&quality=<q>".
//
// Only images on the same root domain as the gateway itself are fetched.
// Responses from the Fetcher are relayed to the client unmodified.
type Gateway struct {
	Fetcher Fetcher // collaborator used to fetch and transform images

	// Validator decides which target URLs may be fetched.  If nil,
	// DefaultValidator is used.
	Validator *Validator

	// Host is the hostname the gateway is served from.  If empty, the host
	// of each inbound request is used.
	Host string

	// Logger is used to log denied requests and fetch errors.  If nil, no
	// logging is done.
	Logger *zap.Logger
}

// NewGateway constructs a new Gateway that fetches images with f.
func NewGateway(f Fetcher) *Gateway {
	return &Gateway{Fetcher: f}
}

// ServeHTTP handles image resize requests.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		return // ignore favicon requests
	}

	timer := prometheus.NewTimer(httpRequestsResponseTime)
	defer timer.ObserveDuration()

	logger := g.logger()
	query := r.URL.Query()

	validator := g.Validator
	if validator == nil {
		validator = DefaultValidator
	}
	target, err := validator.Validate(g.servingHost(r), query.Get("image"))
	if err != nil {
		var terr *TargetError
		if !errors.As(err, &terr) {
			terr = &TargetError{Reason: MalformedURL}
		}
		logger.Info("denied image request",
			zap.Stringer("reason", terr.Reason),
			zap.String("image", terr.Target))
		requestsTotal.WithLabelValues(terr.Reason.String()).Inc()
		http.Error(w, terr.Error(), terr.StatusCode())
		return
	}

	opt := BuildOptions(query, r.Header.Get("Accept"))

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		logger.Error("error building image request", zap.Stringer("url", target), zap.Error(err))
		requestsTotal.WithLabelValues(MalformedURL.String()).Inc()
		http.Error(w, (&TargetError{Reason: MalformedURL}).Error(), http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := g.Fetcher.Fetch(req, opt)
	if err != nil {
		logger.Error("error fetching remote image", zap.Stringer("url", target), zap.Stringer("options", opt), zap.Error(err))
		fetchErrors.Inc()
		requestsTotal.WithLabelValues("fetch-error").Inc()
		http.Error(w, "error fetching remote image", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	logger.Debug("relaying image",
		zap.Stringer("url", target),
		zap.Stringer("options", opt),
		zap.Int("status", resp.StatusCode))
	requestsTotal.WithLabelValues("relayed").Inc()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("error relaying image body", zap.Stringer("url", target), zap.Error(err))
	}
}

func (g *Gateway) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// servingHost returns the hostname, without port, that r was sent to.
func (g *Gateway) servingHost(r *http.Request) string {
	if g.Host != "" {
		return g.Host
	}
	if r.URL.Host != "" {
		return r.URL.Hostname()
	}
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return r.Host
	}
	return host
}

// copyHeader copies header values from src to dst, adding to any existing
// values with the same header name.  If keys is not empty, only those header
// keys will be copied.
func copyHeader(dst, src http.Header, keys ...string) {
	if len(keys) == 0 {
		for k := range src {
			keys = append(keys, k)
		}
	}
	for _, key := range keys {
		k := http.CanonicalHeaderKey(key)
		for _, v := range src[k] {
			dst.Add(k, v)
		}
	}
}
