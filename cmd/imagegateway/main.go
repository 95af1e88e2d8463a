// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// imagegateway starts an HTTP server that validates image resize requests and
// serves them by transforming images locally or by delegating to a remote
// resizing service.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	aia "github.com/fcjr/aia-transport-go"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/diskv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"willnorris.com/go/imagegateway"
	"willnorris.com/go/imagegateway/internal/ttlcache"
	"willnorris.com/go/imagegateway/third_party/envy"
	"willnorris.com/go/imagegateway/transform"
	"willnorris.com/go/imagegateway/upstream"
)

const defaultMemorySize = 100

var addr = flag.String("addr", "localhost:8080", "TCP address to listen on")
var host = flag.String("host", "", "hostname the gateway is served from, if different from the request host")
var upstreamURL = flag.String("upstream", "", "base URL of a remote resizing service, such as https://example.com/cdn-cgi/image; images are transformed locally if empty")
var cache tieredCache
var timeout = flag.Duration("timeout", 0, "time limit for requests to remote servers")
var publicSuffix = flag.Bool("publicSuffix", false, "compare root domains using the public suffix list")
var disallowedPrefixes = flag.String("disallowedPrefixes", strings.Join(imagegateway.DefaultValidator.DisallowedPrefixes, ","), "comma separated list of disallowed image path prefixes")
var allowedExtensions = flag.String("allowedExtensions", strings.Join(imagegateway.DefaultValidator.AllowedExtensions, ","), "comma separated list of allowed image file extensions")
var userAgent = flag.String("userAgent", "willnorris/imagegateway", "user-agent used when fetching images from origin servers")
var verbose = flag.Bool("verbose", false, "print verbose logging messages")

func init() {
	flag.Var(&cache, "cache", "location to cache original and transformed images when transforming locally (memory, file path, or redis URL; add ?ttl= to limit entry age)")
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env file: %v\n", err)
		os.Exit(1)
	}
	if err := envy.Parse("IMAGEGATEWAY"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	transport, err := aia.NewTransport()
	if err != nil {
		logger.Fatal("error creating transport", zap.Error(err))
	}

	validator := newValidator(*disallowedPrefixes, *allowedExtensions, *publicSuffix)

	var f imagegateway.Fetcher
	if *upstreamURL != "" {
		base, err := url.Parse(*upstreamURL)
		if err != nil {
			logger.Fatal("error parsing upstream URL", zap.Error(err))
		}
		uf := upstream.New(base, &http.Client{Transport: transport, Timeout: *timeout})
		uf.Logger = logger
		f = uf
	} else {
		tf := transform.NewFetcher(transport, cache.Cache, logger)
		tf.Client.Timeout = *timeout
		tf.Transport.UserAgent = *userAgent
		tf.RootDomain = validator.RootDomain
		f = tf
	}

	g := imagegateway.NewGateway(f)
	g.Host = *host
	g.Logger = logger
	g.Validator = validator

	server := &http.Server{
		Addr:     *addr,
		Handler:  newRouter(g),
		ErrorLog: zap.NewStdLog(logger),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("imagegateway listening", zap.String("addr", server.Addr), zap.Bool("upstream", *upstreamURL != ""))
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newRouter serves prometheus metrics on /metrics and everything else with g.
func newRouter(g http.Handler) *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/").Handler(g)
	return r
}

func newValidator(prefixes, extensions string, publicSuffix bool) *imagegateway.Validator {
	v := &imagegateway.Validator{
		DisallowedPrefixes: splitList(prefixes),
		AllowedExtensions:  splitList(extensions),
	}
	if publicSuffix {
		v.RootDomain = imagegateway.PublicSuffixRootDomain
	}
	return v
}

// splitList splits a comma separated list, dropping empty values and
// lower-casing the rest.
func splitList(s string) []string {
	var list []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			list = append(list, v)
		}
	}
	return list
}

// tieredCache allows specifying multiple caches via flags, which will create
// tiered caches using the twotier package.
type tieredCache struct {
	httpcache.Cache
}

func (tc *tieredCache) String() string {
	return fmt.Sprint(*tc)
}

func (tc *tieredCache) Set(value string) error {
	for _, v := range strings.Fields(value) {
		c, err := parseCache(v)
		if err != nil {
			return err
		}

		if tc.Cache == nil {
			tc.Cache = c
		} else {
			tc.Cache = twotier.New(tc.Cache, c)
		}
	}
	return nil
}

// parseCache parses c returns the specified Cache implementation.  A "ttl"
// query parameter, such as "file:///var/cache/images?ttl=24h", limits how
// long entries are kept.
func parseCache(c string) (httpcache.Cache, error) {
	if c == "" {
		return nil, nil
	}

	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache flag: %w", err)
	}

	var ttl time.Duration
	if q := u.Query(); q.Has("ttl") {
		ttl, err = time.ParseDuration(q.Get("ttl"))
		if err != nil {
			return nil, fmt.Errorf("error parsing cache ttl: %w", err)
		}
		q.Del("ttl")
		u.RawQuery = q.Encode()
	}

	var hc httpcache.Cache
	switch u.Scheme {
	case "memory":
		hc, err = lruCache(u.Opaque)
	case "redis":
		var conn redis.Conn
		conn, err = redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err == nil {
			hc = rediscache.NewWithClient(conn)
		}
	case "file":
		hc = diskCache(u.Path)
	default:
		hc = diskCache(strings.SplitN(c, "?", 2)[0])
	}
	if err != nil {
		return nil, err
	}

	if ttl > 0 {
		hc = ttlcache.New(hc, ttl)
	}
	return hc, nil
}

// lruCache creates an LRU Cache with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
