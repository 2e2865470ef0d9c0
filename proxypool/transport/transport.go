package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxyhub/proxypool/model"
)

// Route is the proxy a request is sent through.
type Route struct {
	Type model.ProtocolType
	Addr model.Candidate
}

// URL returns "<type>://<addr>".
func (r Route) URL() string {
	return fmt.Sprintf("%s://%s", r.Type, r.Addr)
}

// Response holds a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher performs a single GET, optionally routed through a proxy.
// A nil route means a direct request. A zero timeout leaves only ctx to bound the call.
type Fetcher interface {
	Fetch(ctx context.Context, target string, via *Route, timeout time.Duration) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, target string, via *Route, timeout time.Duration) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, target string, via *Route, timeout time.Duration) (*Response, error) {
	return f(ctx, target, via, timeout)
}

// HTTPFetcher is the net/http backed Fetcher.
type HTTPFetcher struct {
	userAgent string
	direct    *http.Client
}

// NewHTTPFetcher creates a Fetcher that sends userAgent on every request.
func NewHTTPFetcher(userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		userAgent: userAgent,
		direct:    &http.Client{},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string, via *Route, timeout time.Duration) (*Response, error) {
	client := f.direct
	if via != nil {
		var err error
		client, err = newProxiedClient(*via, timeout)
		if err != nil {
			return nil, err
		}
		defer client.CloseIdleConnections()
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", target, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", target, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// newProxiedClient builds a one-shot client for the route.
// http and https routes go through transport.Proxy; socks routes replace DialContext.
func newProxiedClient(r Route, timeout time.Duration) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
	}

	switch r.Type {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		proxyURL, err := url.Parse(r.URL())
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %s: %w", r.URL(), err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)

	case model.ProtocolSOCKS5:
		d, err := proxy.SOCKS5("tcp", string(r.Addr), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", r.Addr)
		}
		transport.DialContext = cd.DialContext

	case model.ProtocolSOCKS4:
		uri := r.URL()
		if timeout > 0 {
			uri += "?timeout=" + timeout.String()
		}
		dial := socks.Dial(uri)
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithContext(ctx, func() (net.Conn, error) { return dial(network, addr) })
		}

	default:
		return nil, fmt.Errorf("unsupported proxy type %q", r.Type)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// dialWithContext runs a context-unaware dial and abandons it when ctx ends.
func dialWithContext(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
