// Package httpclient builds the HTTP clients used to talk to the download
// backend: a tuned transport, a redirect cap, an outbound rate limit and an
// optional guard against private address ranges.
package httpclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// ErrForbiddenIP is returned when a dial targets a private or internal range.
var ErrForbiddenIP = errors.New("connection to private/internal IP addresses is forbidden")

// Options configures the clients built by this package.
type Options struct {
	// Timeout bounds a whole request. Ignored by NewStreamClient.
	Timeout time.Duration
	// RPS and Burst limit outbound requests. RPS <= 0 disables limiting.
	RPS   float64
	Burst int
	// BlockPrivate refuses connections to private, loopback and metadata ranges.
	BlockPrivate bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
		RPS:     10,
		Burst:   5,
	}
}

// New returns a client for short request/response calls.
func New(opts Options) *http.Client {
	client := build(opts)
	client.Timeout = opts.Timeout
	return client
}

// NewStreamClient returns a client for long-lived push channels. It shares
// the same transport settings but carries no overall timeout; callers bound
// the connection with its context.
func NewStreamClient(opts Options) *http.Client {
	return build(opts)
}

func build(opts Options) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if opts.BlockPrivate {
		dialer.Control = guardControl
	}

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		rt = &limitedTransport{
			next:    rt,
			limiter: rate.NewLimiter(rate.Limit(opts.RPS), burst),
		}
	}

	return &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
}

// limitedTransport waits on a token bucket before every round trip.
type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return t.next.RoundTrip(req)
}

// CloseIdle releases idle connections held by client's transport.
func CloseIdle(client *http.Client) {
	if client == nil {
		return
	}
	switch t := client.Transport.(type) {
	case *limitedTransport:
		if tr, ok := t.next.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	case *http.Transport:
		t.CloseIdleConnections()
	}
}

// guardControl runs after DNS resolution, so rebinding cannot bypass it.
func guardControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("failed to parse address: %w", err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}

	if IsForbiddenIP(ip) {
		return ErrForbiddenIP
	}
	return nil
}
