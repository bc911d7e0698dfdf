package acquire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"dropwatch/internal/domain"
)

// Classify maps a fetch outcome onto the error taxonomy; a 2xx response yields nil.
func Classify(identity string, resp *Response, err error) error {
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return err
		}
		return domain.NewError(domain.KindNetwork, identity, "fetch", err)
	}
	if resp == nil {
		return domain.NewError(domain.KindNetwork, identity, "fetch", errors.New("empty response"))
	}
	if resp.OK() {
		return nil
	}

	kind := KindForStatus(resp.Status)
	de := domain.NewError(kind, identity, "fetch", fmt.Errorf("%s via %s", http.StatusText(resp.Status), resp.Path))
	de.Status = resp.Status
	return de
}

// KindForStatus classifies a non-2xx HTTP status.
func KindForStatus(status int) domain.Kind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return domain.KindNotFound
	case status == http.StatusTooManyRequests:
		return domain.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindAuth
	default:
		return domain.KindServerError
	}
}

// IsNetworkError reports transport-level failures: timeouts, DNS, refused connections.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}

func blocked(resp *Response) bool {
	return resp != nil && (resp.Status == http.StatusForbidden || resp.Status == http.StatusTooManyRequests)
}
