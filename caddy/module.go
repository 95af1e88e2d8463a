// Package caddy provides the image gateway as a Caddy module.
package caddy

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	caddy "github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"
	"willnorris.com/go/imagegateway"
	"willnorris.com/go/imagegateway/transform"
	"willnorris.com/go/imagegateway/upstream"
)

func init() {
	caddy.RegisterModule(ImageGateway{})
	httpcaddyfile.RegisterHandlerDirective("imagegateway", parseCaddyfile)
}

// ImageGateway is a Caddy HTTP handler that serves image resize requests
// through an imagegateway.Gateway.
type ImageGateway struct {
	// Host overrides the request host when comparing root domains.
	Host string `json:"host,omitempty"`

	// Upstream is the base URL of a remote resizing service.  If empty,
	// images are transformed locally.
	Upstream string `json:"upstream,omitempty"`

	Cache     string `json:"cache,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	DisallowedPrefixes []string `json:"disallowed_prefixes,omitempty"`
	AllowedExtensions  []string `json:"allowed_extensions,omitempty"`
	PublicSuffix       bool     `json:"public_suffix,omitempty"`

	logger  *zap.Logger
	gateway *imagegateway.Gateway
}

// interface guard
var (
	_ caddyhttp.MiddlewareHandler = (*ImageGateway)(nil)
)

// CaddyModule returns the Caddy module information.
func (ImageGateway) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.imagegateway",
		New: func() caddy.Module { return new(ImageGateway) },
	}
}

// Provision builds the gateway and its fetch collaborator from the module
// configuration.
func (p *ImageGateway) Provision(ctx caddy.Context) error {
	p.logger = ctx.Logger()

	v := &imagegateway.Validator{
		DisallowedPrefixes: p.DisallowedPrefixes,
		AllowedExtensions:  p.AllowedExtensions,
	}
	if len(v.DisallowedPrefixes) == 0 {
		v.DisallowedPrefixes = imagegateway.DefaultValidator.DisallowedPrefixes
	}
	if len(v.AllowedExtensions) == 0 {
		v.AllowedExtensions = imagegateway.DefaultValidator.AllowedExtensions
	}
	if p.PublicSuffix {
		v.RootDomain = imagegateway.PublicSuffixRootDomain
	}

	var f imagegateway.Fetcher
	if p.Upstream != "" {
		base, err := url.Parse(p.Upstream)
		if err != nil {
			return fmt.Errorf("error parsing upstream: %w", err)
		}
		uf := upstream.New(base, nil)
		uf.Logger = p.logger
		f = uf
	} else {
		cache, err := parseCache(p.Cache)
		if err != nil {
			return err
		}
		tf := transform.NewFetcher(nil, cache, p.logger)
		tf.Transport.UserAgent = p.UserAgent
		tf.RootDomain = v.RootDomain
		f = tf
	}

	p.gateway = imagegateway.NewGateway(f)
	p.gateway.Host = p.Host
	p.gateway.Validator = v
	p.gateway.Logger = p.logger
	return nil
}

// ServeHTTP serves r with the gateway.  It never calls the next handler.
func (p *ImageGateway) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	p.gateway.ServeHTTP(w, r)
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	p := new(ImageGateway)

	h.Next() // consume the directive name
	for nesting := h.Nesting(); h.NextBlock(nesting); {
		switch h.Val() {
		case "host":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Host = h.Val()
		case "upstream":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Upstream = h.Val()
		case "cache":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Cache = h.Val()
		case "user_agent":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.UserAgent = h.Val()
		case "disallowed_prefixes":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.DisallowedPrefixes = append(p.DisallowedPrefixes, strings.Split(strings.ToLower(h.Val()), ",")...)
		case "allowed_extensions":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.AllowedExtensions = append(p.AllowedExtensions, strings.Split(strings.ToLower(h.Val()), ",")...)
		case "public_suffix":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			v, err := strconv.ParseBool(h.Val())
			if err != nil {
				return nil, h.Errf("invalid public_suffix value %q: %v", h.Val(), err)
			}
			p.PublicSuffix = v
		}
	}
	return p, nil
}

// parseCache parses c returns the specified Cache implementation.  Only disk
// caches are supported.
func parseCache(c string) (httpcache.Cache, error) {
	if c == "" {
		return nil, nil
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache: %w", err)
	}

	switch u.Scheme {
	case "file":
		return diskCache(u.Path), nil
	case "":
		return diskCache(c), nil
	default:
		return nil, fmt.Errorf("unsupported cache %q", c)
	}
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
