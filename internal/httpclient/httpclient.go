package httpclient

import (
	"net/http"
	"time"
)

// NewPooled creates an http.Client with connection pooling and tuned transport.
// timeout bounds the whole request, including reading the body.
func NewPooled(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}
