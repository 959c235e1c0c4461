package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// transportCache keys pooled transports by proxy URL. The empty key is the
// direct (proxyless) transport.
type transportCache struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

func newTransportCache() transportCache {
	return transportCache{transports: make(map[string]*http.Transport)}
}

func (c *transportCache) get(proxyURL string) (*http.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[proxyURL]; ok {
		return t, nil
	}

	t := newTransport()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(parsed)
	}
	c.transports[proxyURL] = t
	return t, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
