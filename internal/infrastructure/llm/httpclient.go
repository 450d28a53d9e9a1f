package llm

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/pkg/safego"
	"go.uber.org/zap"
)

// NewHTTPClient builds the client adapters use for non-streaming calls:
// HTTP/1.1 with keep-alive pools.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 300 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			ForceAttemptHTTP2:     false,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// NewStreamClient builds the client for SSE calls. HTTP/2 where the upstream
// supports it, and no response-header timeout since streams can take a long
// time to produce their first byte under load.
func NewStreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 15 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			ForceAttemptHTTP2:   true,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// WatchBody force-closes body when ctx is cancelled, unblocking any reader
// stuck inside a stalled upstream stream. The returned func must be called
// when the stream finishes so the watchdog goroutine exits.
func WatchBody(ctx context.Context, body io.Closer, logger *zap.Logger) func() {
	done := make(chan struct{})
	safego.Go(logger, "stream-watchdog", func() {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, force-closing upstream stream", zap.Error(ctx.Err()))
			body.Close()
		case <-done:
		}
	})
	return func() { close(done) }
}
