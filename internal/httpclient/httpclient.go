// Package httpclient builds the outbound HTTP client used for report
// delivery.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New returns a client with bounded pools suited to a single upstream. A
// non-positive timeout means 15s.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxConnsPerHost:       16,
		MaxIdleConnsPerHost:   8,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}
