// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// The imagegateway-url tool builds a gateway request URL for a remote image
// and reports whether the gateway would accept it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"willnorris.com/go/imagegateway"
)

var gateway = flag.String("gateway", "http://localhost:8080/", "base URL of the gateway")
var fit = flag.String("fit", "", "resize mode: scale-down, contain, cover, crop or pad")
var width = flag.String("width", "", "requested width, in pixels")
var height = flag.String("height", "", "requested height, in pixels")
var quality = flag.String("quality", "", "encoding quality, 1-100")
var accept = flag.String("accept", "image/avif,image/webp,*/*", "Accept header used to negotiate the output format")

func main() {
	flag.Parse()

	params := url.Values{}
	for k, v := range map[string]string{"fit": *fit, "width": *width, "height": *height, "quality": *quality} {
		if v != "" {
			params.Set(k, v)
		}
	}

	if err := run(os.Stdout, *gateway, flag.Arg(0), params, *accept); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run writes the gateway URL for target, the options the gateway would pass
// to its collaborator, and the validation verdict to w.
func run(w io.Writer, gateway, target string, params url.Values, accept string) error {
	if target == "" {
		return errors.New("imagegateway-url [flags] image-url")
	}

	u, err := gatewayURL(gateway, target, params)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "url: %v\n", u)
	fmt.Fprintf(w, "options: %v\n", imagegateway.BuildOptions(u.Query(), accept))

	if _, err := imagegateway.Validate(u.Hostname(), target); err != nil {
		var terr *imagegateway.TargetError
		if errors.As(err, &terr) {
			fmt.Fprintf(w, "verdict: denied (%d %s): %v\n", terr.StatusCode(), terr.Reason, terr)
			return nil
		}
		return err
	}
	fmt.Fprintln(w, "verdict: allowed")
	return nil
}

// gatewayURL returns the gateway request URL for target with the resize
// parameters in params.
func gatewayURL(gateway, target string, params url.Values) (*url.URL, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return nil, fmt.Errorf("error parsing gateway URL: %w", err)
	}
	if !u.IsAbs() || u.Hostname() == "" {
		return nil, fmt.Errorf("gateway URL must be absolute: %q", gateway)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("image", target)
	u.RawQuery = q.Encode()
	return u, nil
}
