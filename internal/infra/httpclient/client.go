package httpclient

import (
	"net"
	"net/http"
	"time"
)

func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewStreaming returns a client without an overall deadline for large
// bodies; callers bound requests with a context instead.
func NewStreaming(dialTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = 2 * time.Minute
	return &http.Client{Transport: transport}
}
