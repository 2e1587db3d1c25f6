package common

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced through the Registry/API layer, distinct from
// the TaggedError taxonomy that travels through the Event Bus as an `err`
// event. These map 1:1 onto the -1 return codes of the library entry
// points.
var (
	ErrDownloaderNotFound = errors.New("tthsd: downloader id not registered")
	ErrInvalidState       = errors.New("tthsd: operation invalid in current state")
	ErrInvalidArgument    = errors.New("tthsd: malformed or inconsistent argument")
)

// TaggedError is an error carrying the machine-readable prefix that goes
// into an `err` event's Error string, plus whether the failure was
// considered retryable before the retry budget was exhausted.
type TaggedError struct {
	Prefix    string
	Retryable bool
	Err       error
}

func (e *TaggedError) Error() string {
	if e.Err == nil {
		return e.Prefix
	}

	return fmt.Sprintf("%s: %v", e.Prefix, e.Err)
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

func Tag(prefix string, retryable bool, err error) *TaggedError {
	return &TaggedError{Prefix: prefix, Retryable: retryable, Err: err}
}

// Taxonomy prefixes from the error handling design.
const (
	PrefixNetDNS       = "net.dns"
	PrefixNetConnect   = "net.connect"
	PrefixNetTLS       = "net.tls"
	PrefixNetTimeout   = "net.timeout"
	PrefixNetReset     = "net.reset"
	PrefixHTTPStatus   = "http.status"
	PrefixHTTPNoRange  = "http.no_range"
	PrefixIODiskFull   = "io.disk_full"
	PrefixIOWrite      = "io.write"
	PrefixIOOpen       = "io.open"
	PrefixManifestBad  = "manifest.corrupt"
	PrefixStateInvalid = "state.invalid"
	PrefixArgInvalid   = "arg.invalid"
)

// AsTagged unwraps err looking for a *TaggedError, the way callers check
// for a classified failure before deciding whether to surface it as an
// `err` event.
func AsTagged(err error) (*TaggedError, bool) {
	var te *TaggedError
	if errors.As(err, &te) {
		return te, true
	}

	return nil, false
}
