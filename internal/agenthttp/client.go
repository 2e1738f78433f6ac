// Package agenthttp creates standard Go [net/http.Client]s with common
// configuration, sharing transports across clients with the same options.
//
// The backend contract (spec.md §1 Non-goals) excludes request
// authentication, so unlike the teacher's agenthttp package this builder has
// no bearer/token wrapper — only transport and timeout configuration.
package agenthttp

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// NewClient creates an HTTP client from the given options. The default
// client-wide timeout is 60 seconds and [WithTimeout] changes it; callers
// needing per-call timeouts (10s for heartbeat/status, 30s for next-job)
// set them per request with context.WithTimeout instead of building a
// client per call.
func NewClient(opts ...ClientOption) *http.Client {
	conf := clientConfig{
		AllowHTTP2: true,
		Timeout:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(&conf)
	}

	cacheKey := transportCacheKey{
		AllowHTTP2: conf.AllowHTTP2,
		TLSConfig:  conf.TLSConfig,
	}

	transportCacheMu.Lock()
	transport := transportCache[cacheKey]
	if transport == nil {
		transport = newTransport(&conf)
		transportCache[cacheKey] = transport
	}
	transportCacheMu.Unlock()

	return &http.Client{
		Timeout:   conf.Timeout,
		Transport: transport,
	}
}

type ClientOption = func(*clientConfig)

func WithAllowHTTP2(a bool) ClientOption       { return func(c *clientConfig) { c.AllowHTTP2 = a } }
func WithTimeout(d time.Duration) ClientOption { return func(c *clientConfig) { c.Timeout = d } }
func WithTLSConfig(t *tls.Config) ClientOption { return func(c *clientConfig) { c.TLSConfig = t } }

type clientConfig struct {
	AllowHTTP2 bool
	Timeout    time.Duration
	TLSConfig  *tls.Config
}

func newTransport(conf *clientConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if conf.TLSConfig != nil {
		transport.TLSClientConfig = conf.TLSConfig
	}

	if conf.AllowHTTP2 {
		// Workaround for a Linux bug around dead connections in http2.
		// See https://github.com/golang/go/issues/59690
		tr2, err := http2.ConfigureTransports(transport)
		if err != nil {
			panic("http2.ConfigureTransports: " + err.Error())
		}
		if tr2 != nil {
			tr2.ReadIdleTimeout = 30 * time.Second
		}
	} else {
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}

	return transport
}

type transportCacheKey struct {
	AllowHTTP2 bool
	TLSConfig  *tls.Config
}

var (
	transportCacheMu sync.Mutex
	transportCache   = map[transportCacheKey]*http.Transport{}
)
