package httpclient

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tthsd/tthsd/internal/common"
)

// HTTPError wraps a non-2xx/non-206 response so callers can inspect the
// status code without re-parsing it out of an error string.
type HTTPError struct {
	Op     string
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.Status)
}

// classify turns a raw transport/response error into the taxonomy prefix
// from the error handling design, deciding retryability along the way.
// Grounded on the two-tier classification that pkg/protocol/http/errors.go
// and internal/protocol/http/handler.go kept separately in the teacher
// pack; here it is a single funnel shared by head and getRange.
func classify(op, url string, err error) *common.TaggedError {
	if err == nil {
		return nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == 408 || httpErr.Status == 429 {
			return common.Tag(common.PrefixHTTPStatus, true, err)
		}
		if httpErr.Status >= 500 {
			return common.Tag(common.PrefixHTTPStatus, true, err)
		}
		return common.Tag(common.PrefixHTTPStatus, false, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return common.Tag(common.PrefixNetDNS, dnsErr.IsTemporary, err)
	}

	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return common.Tag(common.PrefixNetTLS, false, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return common.Tag(common.PrefixNetTimeout, true, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return common.Tag(common.PrefixNetTimeout, true, err)
	}

	if isConnReset(err) {
		return common.Tag(common.PrefixNetReset, true, err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return common.Tag(common.PrefixNetReset, true, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return common.Tag(common.PrefixNetConnect, true, err)
	}

	return common.Tag(common.PrefixNetConnect, true, err)
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, http.ErrServerClosed) ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe")
}
