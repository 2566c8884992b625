package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// transientMarkers match error text from loaders that do not expose typed
// errors, such as Chrome network failures.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"server closed",
	"timeout",
	"timed out",
	"net::err_connection",
	"net::err_empty_response",
	"net::err_timed_out",
	"net::err_network_changed",
	"net::err_internet_disconnected",
}

// ClassifyError maps a loader error onto an outcome kind. Network resets,
// refusals, empty responses and timeouts are transient; cancellation and
// anything unrecognised is fatal for this attempt chain.
func ClassifyError[T any](err error) bulletin.Outcome[T] {
	switch {
	case err == nil:
		var zero T
		return bulletin.OK(zero)
	case errors.Is(err, context.Canceled):
		return bulletin.Fatal[T]("cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return bulletin.Transient[T]("timeout", err)
	case errors.Is(err, syscall.ECONNRESET):
		return bulletin.Transient[T]("connection reset", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return bulletin.Transient[T]("connection refused", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return bulletin.Transient[T]("empty response", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return bulletin.Transient[T]("timeout", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return bulletin.Transient[T]("dns", err)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return bulletin.Transient[T](m, err)
		}
	}
	return bulletin.Fatal[T]("load failed", err)
}

// ClassifyStatus maps an HTTP status onto a failed outcome. The second return
// is false for statuses that carry a usable page.
func ClassifyStatus[T any](code int) (bulletin.Outcome[T], bool) {
	switch {
	case code == 0 || code < http.StatusBadRequest:
		return bulletin.Outcome[T]{}, false
	case code == http.StatusUnauthorized:
		return bulletin.AuthExpired[T](http.StatusText(code)), true
	case code == http.StatusNotFound || code == http.StatusGone:
		return bulletin.NotFound[T](http.StatusText(code)), true
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return bulletin.Transient[T](http.StatusText(code), statusError(code)), true
	default:
		return bulletin.Fatal[T](http.StatusText(code), statusError(code)), true
	}
}
