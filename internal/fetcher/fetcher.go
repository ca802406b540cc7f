// Package fetcher downloads the HTML of a page for preview extraction.
//
// A fetch is one direct attempt followed, only if that attempt fails for any
// reason, by exactly one attempt through a pass-through relay. The two attempts
// are sequential.
package fetcher

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/abdusco/peeklink/internal/logger"
	"github.com/abdusco/peeklink/internal/metrics"
)

const (
	DefaultDirectTimeout = 5 * time.Second
	DefaultRelayTimeout  = 10 * time.Second
	DefaultMaxBodyBytes  = 5 * 1024 * 1024
	DefaultRelayBase     = "https://api.allorigins.win/raw?url="
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// RequestOptions are passed to a FetchFunc for every attempt.
type RequestOptions struct {
	Headers http.Header
}

// FetchFunc performs a single outbound GET. The caller owns the response body.
type FetchFunc func(ctx context.Context, target string, opts RequestOptions) (*http.Response, error)

// HTTPFetchFunc fetches target directly with client.
func HTTPFetchFunc(client *http.Client) FetchFunc {
	return func(ctx context.Context, target string, opts RequestOptions) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, vs := range opts.Headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return client.Do(req)
	}
}

// RelayFetchFunc fetches target through a pass-through proxy by appending the
// escaped target to base, e.g. "https://relay.example/raw?url=".
func RelayFetchFunc(client *http.Client, base string) FetchFunc {
	direct := HTTPFetchFunc(client)
	return func(ctx context.Context, target string, opts RequestOptions) (*http.Response, error) {
		return direct(ctx, base+url.QueryEscape(target), opts)
	}
}

type Options struct {
	Direct        FetchFunc
	Relay         FetchFunc
	DirectTimeout time.Duration
	RelayTimeout  time.Duration
	UserAgent     string
	MaxBodyBytes  int64
	// RelayLimiter throttles relay attempts. Nil means unlimited.
	RelayLimiter *rate.Limiter
	// DirectLimiter throttles direct attempts per host. Nil means unlimited.
	DirectLimiter *HostLimiter
}

type Fetcher struct {
	direct        FetchFunc
	relay         FetchFunc
	directTimeout time.Duration
	relayTimeout  time.Duration
	userAgent     string
	maxBodyBytes  int64
	relayLimiter  *rate.Limiter
	hostLimiter   *HostLimiter
	log           zerolog.Logger
}

func New(opts Options) (*Fetcher, error) {
	if opts.Direct == nil {
		return nil, errors.New("direct fetch func is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay fetch func is required")
	}
	if opts.DirectTimeout <= 0 {
		opts.DirectTimeout = DefaultDirectTimeout
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = DefaultRelayTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	return &Fetcher{
		direct:        opts.Direct,
		relay:         opts.Relay,
		directTimeout: opts.DirectTimeout,
		relayTimeout:  opts.RelayTimeout,
		userAgent:     opts.UserAgent,
		maxBodyBytes:  opts.MaxBodyBytes,
		relayLimiter:  opts.RelayLimiter,
		hostLimiter:   opts.DirectLimiter,
		log:           logger.With("component", "fetcher"),
	}, nil
}

// Fetch returns the page HTML decoded to UTF-8. On failure the error is a *FetchError
// describing the relay attempt, since that is the last one made.
func (f *Fetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	if err := f.hostLimiter.Wait(ctx, hostOf(target)); err != nil {
		fetchErr := classify(err)
		metrics.RecordFetchAttempt("direct", fetchErr.Kind.String())
		return nil, fetchErr
	}

	body, err := f.attempt(ctx, "direct", f.direct, target, f.directTimeout, f.browserHeaders())
	if err == nil {
		return body, nil
	}

	if ctx.Err() != nil {
		return nil, classify(ctx.Err())
	}

	f.log.Debug().Err(err).Str("url", target).Msg("direct fetch failed, retrying through relay")

	if f.relayLimiter != nil {
		if err := f.relayLimiter.Wait(ctx); err != nil {
			fetchErr := classify(err)
			metrics.RecordFetchAttempt("relay", fetchErr.Kind.String())
			return nil, fetchErr
		}
	}

	body, err = f.attempt(ctx, "relay", f.relay, target, f.relayTimeout, http.Header{})
	if err != nil {
		f.log.Warn().Err(err).Str("url", target).Msg("relay fetch failed")
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) attempt(ctx context.Context, path string, fn FetchFunc, target string, timeout time.Duration, headers http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	body, err := f.do(ctx, fn, target, headers)
	if err != nil {
		fetchErr := classify(err)
		metrics.RecordFetchAttempt(path, fetchErr.Kind.String())
		return nil, fetchErr
	}

	metrics.RecordFetchAttempt(path, "ok")
	f.log.Debug().
		Str("url", target).
		Str("path", path).
		Int("bytes", len(body)).
		Dur("latency", time.Since(start)).
		Msg("fetched page")
	return body, nil
}

func (f *Fetcher) do(ctx context.Context, fn FetchFunc, target string, headers http.Header) ([]byte, error) {
	resp, err := fn(ctx, target, RequestOptions{Headers: headers})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: KindHTTP, Status: resp.StatusCode}
	}

	return f.readBody(resp)
}

func (f *Fetcher) browserHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("User-Agent", f.userAgent)
	return h
}

// readBody decompresses and converts the body to UTF-8. Bodies over the limit are
// truncated rather than rejected, preview tags live in <head>.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		rc, err := newDeflateReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("deflate decode: %w", err)
		}
		defer rc.Close()
		reader = rc
	}

	utf8Reader, err := charset.NewReader(io.LimitReader(reader, f.maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("charset decode: %w", err)
	}

	body, err := io.ReadAll(utf8Reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// newDeflateReader reads zlib-wrapped deflate, as HTTP specifies, and falls back
// to raw deflate for servers that omit the zlib header.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if isZlibHeader(header) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	cmf, flg := b[0], b[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func classify(err error) *FetchError {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	// *url.Error satisfies net.Error, so cancellation is checked first
	if errors.Is(err, context.Canceled) {
		return &FetchError{Kind: KindUnknown, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &FetchError{Kind: KindTimeout, Err: err}
		}
		return &FetchError{Kind: KindNetwork, Err: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &FetchError{Kind: KindNetwork, Err: err}
	}

	return &FetchError{Kind: KindUnknown, Err: err}
}
