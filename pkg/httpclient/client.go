// Package httpclient implements the HTTP Client component: HEAD probing,
// ranged GET with retry, and the per-request timeout/redirect policy
// shared by every worker in the Task Executor.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/logger"
)

// Client is safe for concurrent use by many workers across many tasks; a
// single Client is shared by a whole Engine the way NewClient was meant to
// be shared across downloads in the teacher's pool.
type Client struct {
	http *http.Client
	cfg  Config
}

func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		DialContext: (&net.Dialer{
			Timeout: cfg.DialTimeout,
		}).DialContext,
	}

	if cfg.TLSConfig != nil {
		transport.TLSClientConfig = cfg.TLSConfig
	} else if cfg.SkipTLSVerify {
		transport.TLSClientConfig = insecureTLSConfig()
	}

	c := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &Client{http: c, cfg: cfg}
}

// HeadResult is the outcome of head(). TotalSize is nil when the server
// does not reveal Content-Length.
type HeadResult struct {
	TotalSize     *int64
	AcceptsRanges bool
	ETag          string
}

// Head issues a HEAD request and, if that is inconclusive about range
// support, falls back to a single-byte probe GET the way
// pkg/protocol/http/client.go's fallbackRangeCheck does: a GET with
// `Range: bytes=0-0` that returns 206 confirms range support even when the
// HEAD response omitted Accept-Ranges.
func (c *Client) Head(ctx context.Context, url, userAgent string) (HeadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return HeadResult{}, common.Tag(common.PrefixArgInvalid, false, err)
	}
	c.applyHeaders(req, userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return HeadResult{}, classify("HEAD", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.probeRange(ctx, url, userAgent)
	}

	res := HeadResult{ETag: resp.Header.Get("ETag")}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			res.TotalSize = &n
		}
	}
	res.AcceptsRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	if !res.AcceptsRanges {
		probed, err := c.probeRange(ctx, url, userAgent)
		if err == nil && probed.AcceptsRanges {
			res.AcceptsRanges = true
			if res.TotalSize == nil {
				res.TotalSize = probed.TotalSize
			}
		}
	}

	return res, nil
}

func (c *Client) probeRange(ctx context.Context, url, userAgent string) (HeadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HeadResult{}, common.Tag(common.PrefixArgInvalid, false, err)
	}
	c.applyHeaders(req, userAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.http.Do(req)
	if err != nil {
		return HeadResult{}, classify("GET", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	res := HeadResult{ETag: resp.Header.Get("ETag")}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		res.AcceptsRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 && cr[idx+1:] != "*" {
				if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					res.TotalSize = &n
				}
			}
		}
	case http.StatusOK:
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				res.TotalSize = &n
			}
		}
	default:
		return HeadResult{}, &HTTPError{Op: "GET", URL: url, Status: resp.StatusCode}
	}

	return res, nil
}

// GetRange issues a ranged GET. end == nil requests an open-ended range
// (unbounded tail, used for unknown-size single-stream planning). The
// returned ReadCloser must be closed by the caller; cancelling ctx aborts
// the in-flight read.
func (c *Client) GetRange(ctx context.Context, url string, start int64, end *int64, userAgent string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, common.Tag(common.PrefixArgInvalid, false, err)
	}
	c.applyHeaders(req, userAgent)

	if end != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, *end))
	} else if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify("GET", url, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		if start > 0 {
			// The server ignored our Range header and sent the whole
			// body; writing it at a non-zero offset would corrupt the
			// file. Demote to single-stream the same way a 416 does.
			resp.Body.Close()
			return nil, common.Tag(common.PrefixHTTPNoRange, false, &HTTPError{Op: "GET", URL: url, Status: resp.StatusCode})
		}
		return resp.Body, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, common.Tag(common.PrefixHTTPNoRange, false, &HTTPError{Op: "GET", URL: url, Status: resp.StatusCode})
	default:
		resp.Body.Close()
		httpErr := &HTTPError{Op: "GET", URL: url, Status: resp.StatusCode}
		retryable := resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500
		return nil, common.Tag(common.PrefixHTTPStatus, retryable, httpErr)
	}
}

// FetchRange is GetRange wrapped with the retry policy from the component
// design: exponential backoff starting at 500ms, doubling, capped at 8s,
// max 5 attempts, for transient failures only. sink is called with each
// chunk as it arrives at the correct offset; FetchRange returns once the
// body is fully drained or a non-retryable error occurs.
func (c *Client) FetchRange(ctx context.Context, url string, start int64, end *int64, userAgent string, sink func(offset int64, p []byte) error) error {
	offset := start
	buf := make([]byte, 64*1024)

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		body, err := c.GetRange(ctx, url, offset, end, userAgent)
		if err != nil {
			if !isRetryable(err) || attempt == c.cfg.MaxAttempts-1 {
				return err
			}
			if waitErr := c.backoff(ctx, attempt); waitErr != nil {
				return waitErr
			}
			continue
		}

		readErr := readInto(ctx, body, buf, c.cfg.IdleReadTimeout, func(p []byte) error {
			if werr := sink(offset, p); werr != nil {
				return werr
			}
			offset += int64(len(p))
			return nil
		})
		body.Close()

		if readErr == nil {
			return nil
		}

		tagged := classify("GET", url, readErr)
		if !isRetryable(tagged) || attempt == c.cfg.MaxAttempts-1 {
			return tagged
		}

		logger.Warnf("range fetch retry %d for %s at offset %d: %v", attempt+1, url, offset, readErr)

		if waitErr := c.backoff(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}

	return common.Tag(common.PrefixNetTimeout, false, fmt.Errorf("exhausted %d attempts", c.cfg.MaxAttempts))
}

// readInto pumps r into consume, enforcing idleTimeout as a ceiling on
// each individual Read call rather than on the transfer as a whole: a
// slow-but-steady body never trips it, a stalled connection does. A read
// that times out leaves its goroutine blocked until the caller closes the
// response body.
func readInto(ctx context.Context, r io.Reader, buf []byte, idleTimeout time.Duration, consume func([]byte) error) error {
	type readResult struct {
		n   int
		err error
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resultCh := make(chan readResult, 1)
		go func() {
			n, err := r.Read(buf)
			resultCh <- readResult{n, err}
		}()

		var timer *time.Timer
		var timerC <-chan time.Time
		if idleTimeout > 0 {
			timer = time.NewTimer(idleTimeout)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-timerC:
			return common.Tag(common.PrefixNetTimeout, true, fmt.Errorf("idle read timeout after %s", idleTimeout))
		case res := <-resultCh:
			if timer != nil {
				timer.Stop()
			}
			if res.n > 0 {
				if cerr := consume(buf[:res.n]); cerr != nil {
					return cerr
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return res.err
			}
		}
	}
}

func isRetryable(err error) bool {
	if te, ok := common.AsTagged(err); ok {
		return te.Retryable
	}
	return false
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > c.cfg.RetryMaxDelay {
		delay = c.cfg.RetryMaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) applyHeaders(req *http.Request, userAgent string) {
	for k, v := range c.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
}

func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}
