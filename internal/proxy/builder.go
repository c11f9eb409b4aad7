// Package proxy turns proxy specifications into HTTP transports and browser
// proxy flags.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	xproxy "golang.org/x/net/proxy"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

const (
	dialTimeout   = 10 * time.Second
	dialKeepAlive = 30 * time.Second

	// maxCachedTransports bounds how many proxied transports, and the
	// credentials they hold, stay alive at once.
	maxCachedTransports = 64
)

// Transport is a ready-to-use proxied transport plus the proxy's canonical URL.
type Transport struct {
	spec fetch.ProxySpec
	url  *url.URL
	http *http.Transport
}

// NewHTTPTransport returns the pooled transport used for direct connections.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Build validates spec and returns a transport routed through it. Any
// validation failure is a configuration error.
func Build(spec fetch.ProxySpec) (*Transport, error) {
	u, err := canonicalURL(spec)
	if err != nil {
		return nil, fetch.ConfigurationError(err)
	}
	base := NewHTTPTransport()
	switch spec.Scheme {
	case fetch.ProxyHTTP, fetch.ProxyHTTPS:
		base.Proxy = http.ProxyURL(u)
	case fetch.ProxySOCKS5:
		var auth *xproxy.Auth
		if spec.HasAuth() {
			auth = &xproxy.Auth{User: spec.Username, Password: spec.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive})
		if err != nil {
			return nil, fetch.ConfigurationError(fmt.Errorf("socks5 dialer: %w", err))
		}
		contextDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fetch.ConfigurationError(errors.New("socks5 dialer does not support contexts"))
		}
		// Plain and TLS connections both go through DialContext.
		base.Proxy = nil
		base.DialContext = contextDialer.DialContext
	}
	return &Transport{spec: spec, url: u, http: base}, nil
}

// HTTPTransport returns the configured transport.
func (t *Transport) HTTPTransport() *http.Transport {
	return t.http
}

// URL is the canonical form scheme://[user:pass@]host:port.
func (t *Transport) URL() string {
	return t.url.String()
}

// ServerURL is the proxy URL without credentials, suitable for a browser
// --proxy-server flag.
func (t *Transport) ServerURL() string {
	return t.url.Scheme + "://" + t.url.Host
}

// Credentials returns the proxy username and password, if any.
func (t *Transport) Credentials() (string, string, bool) {
	return t.spec.Username, t.spec.Password, t.spec.HasAuth()
}

// CanonicalURL validates spec and renders scheme://[user:pass@]host:port.
func CanonicalURL(spec fetch.ProxySpec) (string, error) {
	u, err := canonicalURL(spec)
	if err != nil {
		return "", fetch.ConfigurationError(err)
	}
	return u.String(), nil
}

func canonicalURL(spec fetch.ProxySpec) (*url.URL, error) {
	switch spec.Scheme {
	case fetch.ProxyHTTP, fetch.ProxyHTTPS, fetch.ProxySOCKS5:
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", spec.Scheme)
	}
	host := strings.TrimSpace(spec.Host)
	if host == "" {
		return nil, errors.New("proxy host is required")
	}
	if strings.ContainsAny(host, "/@ ") {
		return nil, fmt.Errorf("invalid proxy host %q", spec.Host)
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %d", spec.Port)
	}
	if spec.Password != "" && spec.Username == "" {
		return nil, errors.New("proxy password set without username")
	}
	u := &url.URL{
		Scheme: string(spec.Scheme),
		Host:   net.JoinHostPort(host, strconv.Itoa(spec.Port)),
	}
	if spec.HasAuth() {
		u.User = url.UserPassword(spec.Username, spec.Password)
	}
	return u, nil
}

// Builder caches transports per proxy server and credential set so
// connection pools are reused across attempts. The least recently used
// transport is dropped once the cache is full.
type Builder struct {
	mu     sync.Mutex
	cache  *lru.Cache
	direct *http.Transport
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return newBuilder(maxCachedTransports)
}

func newBuilder(maxEntries int) *Builder {
	cache := lru.New(maxEntries)
	cache.OnEvicted = func(_ lru.Key, value any) {
		value.(*Transport).http.CloseIdleConnections()
	}
	return &Builder{
		cache:  cache,
		direct: NewHTTPTransport(),
	}
}

// RoundTripper returns the direct transport when spec is nil, otherwise a
// cached proxied transport.
func (b *Builder) RoundTripper(spec *fetch.ProxySpec) (http.RoundTripper, error) {
	if spec == nil {
		return b.direct, nil
	}
	t, err := b.Transport(*spec)
	if err != nil {
		return nil, err
	}
	return t.HTTPTransport(), nil
}

// Transport returns the cached transport for spec, building it on first use.
func (b *Builder) Transport(spec fetch.ProxySpec) (*Transport, error) {
	key, err := cacheKey(spec)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.cache.Get(key); ok {
		return t.(*Transport), nil
	}
	t, err := Build(spec)
	if err != nil {
		return nil, err
	}
	b.cache.Add(key, t)
	return t, nil
}

// Len reports the number of cached proxied transports.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Len()
}

// CloseIdleConnections releases pooled connections and forgets every cached
// proxied transport; later calls rebuild them on demand.
func (b *Builder) CloseIdleConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct.CloseIdleConnections()
	b.cache.Clear()
}

// cacheKey is the credential-free server URL plus a digest of the
// credentials, so secrets never appear in map keys.
func cacheKey(spec fetch.ProxySpec) (string, error) {
	u, err := canonicalURL(spec)
	if err != nil {
		return "", fetch.ConfigurationError(err)
	}
	u.User = nil
	if !spec.HasAuth() {
		return u.String(), nil
	}
	sum := sha256.Sum256([]byte(spec.Username + "\x00" + spec.Password))
	return u.String() + "#" + hex.EncodeToString(sum[:]), nil
}
