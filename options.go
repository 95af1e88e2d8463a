// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package imagegateway

import (
	"net/url"
	"strings"
)

// OnError is the policy a transformation collaborator applies when an image
// cannot be transformed.
type OnError string

// OnErrorRedirect serves the original, untransformed image when a
// transformation fails.
const OnErrorRedirect OnError = "redirect"

// Format is a requested output image format.
type Format string

const (
	FormatUnset Format = ""
	FormatAVIF  Format = "avif"
	FormatWebP  Format = "webp"

	// The following are never negotiated from an Accept header, but may
	// appear in parsed option strings.
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
)

// Options specifies transformations to be performed on a requested image.
//
// Fit, Width, Height and Quality hold raw request values.  They are not
// validated by the gateway; interpreting them is up to the collaborator.
type Options struct {
	OnError OnError

	Fit     string // resize mode, such as "scale-down", "contain", "cover", "crop", "pad"
	Width   string // requested width, in pixels
	Height  string // requested height, in pixels
	Quality string // encoding quality, 1-100

	Format Format // output format, or FormatUnset to keep the collaborator's default
}

// String returns the options as a comma separated list of key=value pairs, in
// the form used by Cloudflare image resizing URLs.  Unset fields are omitted.
//
// Values are query-escaped, so that separators in raw request values (",",
// "=", "/", "?", "#") can neither add options nor end the list when it is
// embedded in a URL path or fragment.
func (o Options) String() string {
	var opts []string
	add := func(key, value string) {
		if value != "" {
			opts = append(opts, key+"="+url.QueryEscape(value))
		}
	}
	add("fit", o.Fit)
	add("width", o.Width)
	add("height", o.Height)
	add("quality", o.Quality)
	add("format", string(o.Format))
	add("onerror", string(o.OnError))
	return strings.Join(opts, ",")
}

// ParseOptions parses str as a comma separated list of key=value pairs, as
// produced by Options.String.  Unknown keys and malformed pairs are ignored.
// If a key is repeated, the last value wins.
func ParseOptions(str string) Options {
	var o Options
	for _, part := range strings.Split(str, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		switch key {
		case "fit":
			o.Fit = value
		case "width", "w":
			o.Width = value
		case "height", "h":
			o.Height = value
		case "quality", "q":
			o.Quality = value
		case "format", "f":
			o.Format = Format(value)
		case "onerror":
			o.OnError = OnError(value)
		}
	}
	return o
}

// BuildOptions derives transformation options from the query parameters and
// Accept header of an inbound request.
//
// The error policy is always OnErrorRedirect.  Resize parameters are copied
// verbatim when present.  The output format is AVIF if accept mentions
// image/avif, otherwise WebP if it mentions image/webp, and is otherwise left
// unset so that the collaborator falls back to its own negotiation.
func BuildOptions(query url.Values, accept string) Options {
	opt := Options{
		OnError: OnErrorRedirect,
		Fit:     query.Get("fit"),
		Width:   query.Get("width"),
		Height:  query.Get("height"),
		Quality: query.Get("quality"),
	}

	switch {
	case strings.Contains(accept, "image/avif"):
		opt.Format = FormatAVIF
	case strings.Contains(accept, "image/webp"):
		opt.Format = FormatWebP
	}

	return opt
}
