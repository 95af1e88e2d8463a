// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package imagegateway

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Reason identifies why a target image URL was rejected.
type Reason int

const (
	MissingParameter Reason = iota + 1
	MalformedURL
	DomainMismatch
	DisallowedPrefix
	DisallowedExtension
)

func (r Reason) String() string {
	switch r {
	case MissingParameter:
		return "missing-parameter"
	case MalformedURL:
		return "malformed-url"
	case DomainMismatch:
		return "domain-mismatch"
	case DisallowedPrefix:
		return "disallowed-prefix"
	case DisallowedExtension:
		return "disallowed-extension"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// TargetError reports a target image URL that the gateway refuses to fetch.
// Its Error method returns the message sent to the client.
type TargetError struct {
	Reason Reason
	Target string // raw value of the image parameter

	// RootDomain is the gateway's own root domain.  Only set for
	// DomainMismatch.
	RootDomain string
}

func (e *TargetError) Error() string {
	switch e.Reason {
	case MissingParameter:
		return `Missing "image" value`
	case MalformedURL:
		return `Invalid "image" value`
	case DomainMismatch:
		return fmt.Sprintf("Must use %q or its subdomains", e.RootDomain)
	case DisallowedPrefix:
		return "Disallowed path prefix"
	case DisallowedExtension:
		return "Disallowed file extension"
	}
	return e.Reason.String()
}

// StatusCode returns the HTTP status code used when responding with e.
func (e *TargetError) StatusCode() int {
	if e.Reason == DomainMismatch {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// RootDomain returns the last two dot-separated labels of host.  Hosts with
// fewer than two labels are returned unchanged.
//
// This is intentionally naive: multi-label public suffixes such as "co.uk"
// make every "*.co.uk" host share a root domain.  Use PublicSuffixRootDomain
// where that matters.
func RootDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// PublicSuffixRootDomain returns the effective TLD plus one label of host,
// according to the public suffix list.  If host has no such domain (an IP
// address, a single label, or a bare public suffix), RootDomain is used.
func PublicSuffixRootDomain(host string) string {
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return RootDomain(host)
	}
	return root
}

// A Validator decides whether a target image URL may be fetched on behalf of
// a gateway host.  A Validator must not be modified once in use.
type Validator struct {
	// DisallowedPrefixes lists lower-case path prefixes that may not be
	// fetched.  These are typically the paths of resizing endpoints
	// themselves, to prevent request loops.
	DisallowedPrefixes []string

	// AllowedExtensions lists lower-case file extensions, including the
	// leading dot, that target paths must end with.
	AllowedExtensions []string

	// RootDomain reduces a hostname to its root domain.  If nil, the
	// package-level RootDomain function is used.
	RootDomain func(host string) string
}

// DefaultValidator is the Validator used by Validate and by a Gateway with no
// Validator set.
var DefaultValidator = &Validator{
	DisallowedPrefixes: []string{"/resize", "/image-resizing", "/thumb", "/thumbnail"},
	AllowedExtensions:  []string{".jpg", ".jpeg", ".png", ".gif", ".webp"},
}

// Validate checks rawTarget using DefaultValidator.
func Validate(gatewayHost, rawTarget string) (*url.URL, error) {
	return DefaultValidator.Validate(gatewayHost, rawTarget)
}

// Validate parses rawTarget and returns it if the gateway serving gatewayHost
// may fetch it.  Otherwise a *TargetError for the first failed check is
// returned.  Checks run in order: presence, URL syntax, root domain, path
// prefix, file extension.
//
// Only absolute http and https URLs with a host are accepted.  Other
// well-formed absolute URLs, such as ftp: or data: URLs, are reported as
// MalformedURL.
func (v *Validator) Validate(gatewayHost, rawTarget string) (*url.URL, error) {
	if rawTarget == "" {
		return nil, &TargetError{Reason: MissingParameter}
	}

	u, err := url.Parse(rawTarget)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return nil, &TargetError{Reason: MalformedURL, Target: rawTarget}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &TargetError{Reason: MalformedURL, Target: rawTarget}
	}

	rootDomain := v.RootDomain
	if rootDomain == nil {
		rootDomain = RootDomain
	}
	want := rootDomain(strings.ToLower(gatewayHost))
	if got := rootDomain(strings.ToLower(u.Hostname())); got != want {
		return nil, &TargetError{Reason: DomainMismatch, Target: rawTarget, RootDomain: want}
	}

	path := strings.ToLower(u.Path)
	for _, prefix := range v.DisallowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil, &TargetError{Reason: DisallowedPrefix, Target: rawTarget}
		}
	}

	if !hasSuffix(path, v.AllowedExtensions) {
		return nil, &TargetError{Reason: DisallowedExtension, Target: rawTarget}
	}

	return u, nil
}

func hasSuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
