package httputil

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// NewTransport builds the transport used for target fetches, optionally routed
// through proxyURL. HTTP/2 is disabled.
func NewTransport(proxyURL *url.URL) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   false,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        20,
		IdleConnTimeout:     60 * time.Second,
		// the fetcher negotiates and decodes gzip, deflate and br itself
		DisableCompression: true,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport
}

// NewClient wraps NewTransport with a fixed timeout. A nil checkRedirect keeps
// the default policy.
func NewClient(timeout time.Duration, proxyURL *url.URL, checkRedirect func(*http.Request, []*http.Request) error) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Transport:     NewTransport(proxyURL),
		CheckRedirect: checkRedirect,
	}
}

// NoRedirect stops at the first response.
func NoRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}
