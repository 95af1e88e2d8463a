// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package imagegateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// spyFetcher records the requests it receives and responds with a fixed
// response or error.
type spyFetcher struct {
	mu    sync.Mutex
	calls []spyCall

	status int
	header http.Header
	body   string
	err    error
}

type spyCall struct {
	req *http.Request
	opt Options
}

func (f *spyFetcher) Fetch(req *http.Request, opt Options) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spyCall{req, opt})
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	header := make(http.Header)
	for k, v := range f.header {
		header[k] = v
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Request:    req,
	}, nil
}

func (f *spyFetcher) numCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func gatewayRequest(query string) *http.Request {
	return httptest.NewRequest("GET", "http://shop.example.com/?"+query, nil)
}

func imageQuery(target string) string {
	return "image=" + url.QueryEscape(target)
}

func TestGateway_Denied(t *testing.T) {
	tests := []struct {
		query string
		code  int
		body  string
	}{
		{"", http.StatusBadRequest, `Missing "image" value`},
		{"width=100", http.StatusBadRequest, `Missing "image" value`},
		{"image=", http.StatusBadRequest, `Missing "image" value`},
		{imageQuery("not a url"), http.StatusBadRequest, `Invalid "image" value`},
		{imageQuery("https://evil.com/a.jpg"), http.StatusForbidden, `Must use "example.com" or its subdomains`},
		{imageQuery("https://shop.example.com/resize/a.jpg"), http.StatusBadRequest, "Disallowed path prefix"},
		{imageQuery("https://shop.example.com/RESIZE/a.jpg"), http.StatusBadRequest, "Disallowed path prefix"},
		{imageQuery("https://shop.example.com/a.bmp"), http.StatusBadRequest, "Disallowed file extension"},
	}

	for _, tt := range tests {
		f := new(spyFetcher)
		g := NewGateway(f)

		resp := httptest.NewRecorder()
		g.ServeHTTP(resp, gatewayRequest(tt.query))

		if got, want := resp.Code, tt.code; got != want {
			t.Errorf("ServeHTTP(%q) returned status %d, want %d", tt.query, got, want)
		}
		if got, want := strings.TrimSpace(resp.Body.String()), tt.body; got != want {
			t.Errorf("ServeHTTP(%q) returned body %q, want %q", tt.query, got, want)
		}
		if n := f.numCalls(); n != 0 {
			t.Errorf("ServeHTTP(%q) called Fetcher %d times, want 0", tt.query, n)
		}
	}
}

func TestGateway_Relay(t *testing.T) {
	f := &spyFetcher{
		header: http.Header{
			"Content-Type": {"image/webp"},
			"Etag":         {`"v1"`},
			"Vary":         {"Accept"},
		},
		body: "image bytes",
	}
	g := NewGateway(f)

	target := "https://cdn.example.com/pics/a.jpg?v=2"
	req := gatewayRequest(imageQuery(target) + "&width=300&height=200&fit=cover&quality=80")
	req.Header.Set("Accept", "image/avif,image/webp,*/*")
	req.Header.Set("If-None-Match", `"v0"`)
	req.Header.Set("X-Custom", "custom")

	resp := httptest.NewRecorder()
	g.ServeHTTP(resp, req)

	if got, want := resp.Code, http.StatusOK; got != want {
		t.Errorf("ServeHTTP returned status %d, want %d", got, want)
	}
	if got, want := resp.Body.String(), "image bytes"; got != want {
		t.Errorf("ServeHTTP returned body %q, want %q", got, want)
	}
	for _, k := range []string{"Content-Type", "Etag", "Vary"} {
		if got, want := resp.Header().Get(k), f.header.Get(k); got != want {
			t.Errorf("ServeHTTP returned header %s: %q, want %q", k, got, want)
		}
	}

	if n := f.numCalls(); n != 1 {
		t.Fatalf("ServeHTTP called Fetcher %d times, want 1", n)
	}
	call := f.calls[0]
	if got, want := call.req.URL.String(), target; got != want {
		t.Errorf("Fetcher called with URL %q, want %q", got, want)
	}
	if got, want := call.req.Method, http.MethodGet; got != want {
		t.Errorf("Fetcher called with method %q, want %q", got, want)
	}
	for _, k := range []string{"Accept", "If-None-Match", "X-Custom"} {
		if got, want := call.req.Header.Get(k), req.Header.Get(k); got != want {
			t.Errorf("Fetcher called with header %s: %q, want %q", k, got, want)
		}
	}
	wantOpt := Options{
		OnError: OnErrorRedirect,
		Fit:     "cover",
		Width:   "300",
		Height:  "200",
		Quality: "80",
		Format:  FormatAVIF,
	}
	if call.opt != wantOpt {
		t.Errorf("Fetcher called with options %v, want %v", call.opt, wantOpt)
	}
}

func TestGateway_RelayStatus(t *testing.T) {
	for _, code := range []int{http.StatusNotModified, http.StatusNotFound, http.StatusInternalServerError} {
		f := &spyFetcher{status: code, body: "upstream"}
		if code == http.StatusNotModified {
			f.body = ""
		}
		g := NewGateway(f)

		resp := httptest.NewRecorder()
		g.ServeHTTP(resp, gatewayRequest(imageQuery("https://shop.example.com/a.png")))

		if got := resp.Code; got != code {
			t.Errorf("ServeHTTP returned status %d, want %d", got, code)
		}
		if got, want := resp.Body.String(), f.body; got != want {
			t.Errorf("ServeHTTP returned body %q, want %q", got, want)
		}
	}
}

func TestGateway_FetchError(t *testing.T) {
	f := &spyFetcher{err: errors.New("connection refused")}
	g := NewGateway(f)

	resp := httptest.NewRecorder()
	g.ServeHTTP(resp, gatewayRequest(imageQuery("https://shop.example.com/a.png")))

	if got, want := resp.Code, http.StatusBadGateway; got != want {
		t.Errorf("ServeHTTP returned status %d, want %d", got, want)
	}
	if n := f.numCalls(); n != 1 {
		t.Errorf("ServeHTTP called Fetcher %d times, want 1", n)
	}
}

func TestGateway_ServingHost(t *testing.T) {
	tests := []struct {
		gatewayHost string // Gateway.Host
		reqHost     string // Host header, URL host is cleared
		target      string
		code        int
	}{
		{"", "shop.example.com", "https://cdn.example.com/a.jpg", http.StatusOK},
		{"", "shop.example.com:8080", "https://cdn.example.com/a.jpg", http.StatusOK},
		{"", "localhost:8080", "https://cdn.example.com/a.jpg", http.StatusForbidden},
		{"img.example.com", "localhost:8080", "https://cdn.example.com/a.jpg", http.StatusOK},
		{"img.example.org", "shop.example.com", "https://cdn.example.com/a.jpg", http.StatusForbidden},
	}

	for _, tt := range tests {
		g := NewGateway(new(spyFetcher))
		g.Host = tt.gatewayHost

		req := gatewayRequest(imageQuery(tt.target))
		req.URL.Host = ""
		req.Host = tt.reqHost

		resp := httptest.NewRecorder()
		g.ServeHTTP(resp, req)
		if got := resp.Code; got != tt.code {
			t.Errorf("ServeHTTP with Host %q, Gateway.Host %q returned %d, want %d", tt.reqHost, tt.gatewayHost, got, tt.code)
		}
	}
}

func TestGateway_Favicon(t *testing.T) {
	f := new(spyFetcher)
	g := NewGateway(f)

	resp := httptest.NewRecorder()
	g.ServeHTTP(resp, httptest.NewRequest("GET", "http://shop.example.com/favicon.ico", nil))
	if n := f.numCalls(); n != 0 {
		t.Errorf("ServeHTTP called Fetcher %d times for favicon, want 0", n)
	}
}

// Concurrent requests must not observe each other's options or targets.
func TestGateway_Concurrent(t *testing.T) {
	g := NewGateway(FetcherFunc(func(req *http.Request, opt Options) (*http.Response, error) {
		body := fmt.Sprintf("%s#%s", req.URL.Path, opt.Width)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := fmt.Sprintf("https://cdn.example.com/%d.jpg", i)
			resp := httptest.NewRecorder()
			g.ServeHTTP(resp, gatewayRequest(fmt.Sprintf("%s&width=%d", imageQuery(target), i)))

			if got, want := resp.Body.String(), fmt.Sprintf("/%d.jpg#%d", i, i); got != want {
				t.Errorf("request %d returned body %q, want %q", i, got, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestCopyHeader(t *testing.T) {
	tests := []struct {
		dst, src http.Header
		keys     []string
		want     http.Header
	}{
		{http.Header{}, http.Header{}, nil, http.Header{}},
		{http.Header{}, http.Header{"A": []string{"a"}}, nil, http.Header{"A": []string{"a"}}},
		{http.Header{}, http.Header{"A": []string{"a"}}, []string{"B"}, http.Header{}},
		{
			http.Header{"A": []string{"a1"}},
			http.Header{"A": []string{"a2"}, "B": []string{"b"}},
			nil,
			http.Header{"A": []string{"a1", "a2"}, "B": []string{"b"}},
		},
		{
			http.Header{},
			http.Header{"B": []string{"b"}, "C": []string{"c"}},
			[]string{"b"},
			http.Header{"B": []string{"b"}},
		},
	}

	for _, tt := range tests {
		got := tt.dst.Clone()
		copyHeader(got, tt.src, tt.keys...)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("copyHeader(%v, %v, %v) returned %v, want %v", tt.dst, tt.src, tt.keys, got, tt.want)
		}
	}
}
