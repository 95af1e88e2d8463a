// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package imagegateway

import (
	"net/url"
	"strings"
	"testing"
)

var emptyOptions = Options{}

func TestBuildOptions(t *testing.T) {
	tests := []struct {
		query  string
		accept string
		want   Options
	}{
		{"", "", Options{OnError: OnErrorRedirect}},
		{"image=https://example.com/a.jpg", "", Options{OnError: OnErrorRedirect}},

		// parameters are copied verbatim, without validation
		{"width=300", "", Options{OnError: OnErrorRedirect, Width: "300"}},
		{"fit=cover&width=300&height=200&quality=80", "", Options{OnError: OnErrorRedirect, Fit: "cover", Width: "300", Height: "200", Quality: "80"}},
		{"width=-1&height=abc&quality=1000", "", Options{OnError: OnErrorRedirect, Width: "-1", Height: "abc", Quality: "1000"}},
		{"fit=bogus", "", Options{OnError: OnErrorRedirect, Fit: "bogus"}},
		{"width=", "", Options{OnError: OnErrorRedirect}},
		{"rotate=90", "", Options{OnError: OnErrorRedirect}},

		// format negotiation
		{"", "image/avif,image/webp", Options{OnError: OnErrorRedirect, Format: FormatAVIF}},
		{"", "image/webp,image/avif", Options{OnError: OnErrorRedirect, Format: FormatAVIF}},
		{"", "image/webp", Options{OnError: OnErrorRedirect, Format: FormatWebP}},
		{"", "image/avif", Options{OnError: OnErrorRedirect, Format: FormatAVIF}},
		{"", "text/html,image/webp;q=0.9,*/*;q=0.8", Options{OnError: OnErrorRedirect, Format: FormatWebP}},
		{"", "text/html", Options{OnError: OnErrorRedirect}},
		{"", "image/*", Options{OnError: OnErrorRedirect}},
		{"", "image/png", Options{OnError: OnErrorRedirect}},

		{"width=100", "image/webp", Options{OnError: OnErrorRedirect, Width: "100", Format: FormatWebP}},
	}

	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		if err != nil {
			t.Fatalf("error parsing query %q: %v", tt.query, err)
		}
		if got := BuildOptions(q, tt.accept); got != tt.want {
			t.Errorf("BuildOptions(%q, %q) returned %#v, want %#v", tt.query, tt.accept, got, tt.want)
		}
	}
}

func TestOptions_String(t *testing.T) {
	tests := []struct {
		Options Options
		String  string
	}{
		{emptyOptions, ""},
		{Options{OnError: OnErrorRedirect}, "onerror=redirect"},
		{
			Options{OnError: OnErrorRedirect, Fit: "cover", Width: "300", Height: "200", Quality: "80", Format: FormatWebP},
			"fit=cover,width=300,height=200,quality=80,format=webp,onerror=redirect",
		},
		{Options{Height: "10", Format: FormatAVIF}, "height=10,format=avif"},

		// separators in values are escaped
		{Options{Width: "10,format=png"}, "width=10%2Cformat%3Dpng"},
		{Options{Fit: "cover/https://evil.com/x.jpg?"}, "fit=cover%2Fhttps%3A%2F%2Fevil.com%2Fx.jpg%3F"},
		{Options{Quality: "80#x"}, "quality=80%23x"},
	}

	for i, tt := range tests {
		if got, want := tt.Options.String(), tt.String; got != want {
			t.Errorf("%d. Options.String returned %v, want %v", i, got, want)
		}
	}
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		Input   string
		Options Options
	}{
		{"", emptyOptions},
		{",,,,", emptyOptions},
		{"width", emptyOptions},
		{"bogus=1", emptyOptions},

		{"width=300", Options{Width: "300"}},
		{"w=300,h=200,q=75,f=png", Options{Width: "300", Height: "200", Quality: "75", Format: FormatPNG}},
		{"fit=pad, width=10", Options{Fit: "pad", Width: "10"}},
		{"onerror=redirect", Options{OnError: OnErrorRedirect}},

		// duplicate keys (last one wins)
		{"width=1,width=2", Options{Width: "2"}},

		// escaped values
		{"width=10%2Cformat%3Dpng", Options{Width: "10,format=png"}},
		{"fit=%zz,width=5", Options{Width: "5"}},
	}

	for _, tt := range tests {
		if got, want := ParseOptions(tt.Input), tt.Options; got != want {
			t.Errorf("ParseOptions(%q) returned %#v, want %#v", tt.Input, got, want)
		}
	}
}

// Test that Options.String and ParseOptions are inverses of each other.
func TestParseOptions_RoundTrip(t *testing.T) {
	for _, o := range []Options{
		emptyOptions,
		{OnError: OnErrorRedirect},
		{OnError: OnErrorRedirect, Fit: "crop", Width: "0.5", Height: "120", Quality: "60", Format: FormatAVIF},
		{OnError: OnErrorRedirect, Fit: "cover/https://evil.com/x.jpg?", Width: "10,format=png", Height: "a b+c%", Format: FormatWebP},
	} {
		if got := ParseOptions(o.String()); got != o {
			t.Errorf("ParseOptions(%q) returned %#v, want %#v", o.String(), got, o)
		}
	}
}

// Raw request values must not be able to add options, such as a format the
// client's Accept header never asked for.
func TestBuildOptions_Injection(t *testing.T) {
	q := url.Values{
		"width": {"10,format=png"},
		"fit":   {"cover,onerror=none"},
	}
	opt := BuildOptions(q, "image/webp")

	got := ParseOptions(opt.String())
	if got != opt {
		t.Errorf("ParseOptions(%q) returned %#v, want %#v", opt.String(), got, opt)
	}
	if got.Format != FormatWebP {
		t.Errorf("injected format: got %q, want %q", got.Format, FormatWebP)
	}
	if got.OnError != OnErrorRedirect {
		t.Errorf("injected onerror: got %q, want %q", got.OnError, OnErrorRedirect)
	}
	if n := strings.Count(opt.String(), ","); n != 3 {
		t.Errorf("Options.String() = %q has %d separators, want 3", opt.String(), n)
	}
}
