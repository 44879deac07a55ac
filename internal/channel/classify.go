package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ClassifyHTTP maps a provider HTTP status to an outcome. Throttling and server
// errors are worth retrying; other client errors are not.
func ClassifyHTTP(status int, body string) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered("")
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Failed(fmt.Sprintf("provider status %d: %s", status, truncate(body, 256)), true)
	default:
		return Failed(fmt.Sprintf("provider status %d: %s", status, truncate(body, 256)), false)
	}
}

// ClassifyErr maps a transport error (dial, TLS, timeout) to an outcome.
func ClassifyErr(err error) Outcome {
	if err == nil {
		return Delivered("")
	}
	if errors.Is(err, context.Canceled) {
		return Failed(err.Error(), false)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failed(err.Error(), true)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Failed(err.Error(), true)
	}
	return Failed(err.Error(), false)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// unwrapURLError drops the request URL from an http client error.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
