package cachefetch

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

//Default transport tuning. The request timeout is deliberately short, the
// client is meant for small machine-readable resources, not bulk downloads.
const (
	DefaultConnectTimeout  = 5000 * time.Millisecond
	DefaultRequestTimeout  = 400 * time.Millisecond
	DefaultMaxConnections  = 10
	DefaultUserAgent       = "Mozilla/5.0 (compatible; cachefetch 0.1; +https://github.com/cachefetch/cachefetch)"
	DefaultRefreshCooldown = 300 * time.Second
)

//TransportConfig defines how the client talks to origin servers.
// A zero value means the default for that field is used.
type TransportConfig struct {

	//ConnectTimeout is the maximum time spent establishing a TCP connection
	ConnectTimeout time.Duration

	//RequestTimeout bounds a whole request, from connection to the last body byte
	RequestTimeout time.Duration

	//MaxConnections is the maximum number of concurrent connections per origin host
	MaxConnections int

	//UserAgent is sent on every request unless the caller overrides the header
	UserAgent string

	//EnableHTTP2 if true the client will attempt HTTP/2 connections to origin servers
	EnableHTTP2 bool
}

//NewTransportConfig creates a TransportConfig with the default tuning.
func NewTransportConfig() *TransportConfig {
	return &TransportConfig{
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		MaxConnections: DefaultMaxConnections,
		UserAgent:      DefaultUserAgent,
	}
}

//RoundTripper builds the http.RoundTripper described by the config.
func (config *TransportConfig) RoundTripper() (http.RoundTripper, error) {

	dialer := &net.Dialer{
		Timeout: config.ConnectTimeout,
	}

	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		MaxConnsPerHost: config.MaxConnections,
		MaxIdleConns:    config.MaxConnections,
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, err
		}
	}

	return transport, nil
}
