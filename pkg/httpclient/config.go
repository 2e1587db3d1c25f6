package httpclient

import (
	"crypto/tls"
	"time"
)

// Config controls the transport and retry behaviour of a Client. The
// defaults match the per-request timeouts and retry policy named in the
// HTTP Client component design: connect 10s, TLS handshake 10s, idle-read
// 30s, up to 10 redirects, exponential backoff 500ms doubling capped at 8s
// for up to 5 attempts.
type Config struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	IdleReadTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRedirects          int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxAttempts    int

	SkipTLSVerify bool
	TLSConfig     *tls.Config
	DefaultHeaders map[string]string
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleReadTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxRedirects:          10,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   64,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		RetryBaseDelay:        500 * time.Millisecond,
		RetryMaxDelay:         8 * time.Second,
		MaxAttempts:           5,
		DefaultHeaders: map[string]string{
			"User-Agent": "tthsd/1.0",
		},
	}
}
