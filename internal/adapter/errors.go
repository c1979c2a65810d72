package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
)

// GatewayError reports a failed remote call. No local state may change when one is returned.
type GatewayError struct {
	Op        string
	Ref       string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ErrRemoteNotFound is wrapped by gateway errors for references the provider does not know.
var ErrRemoteNotFound = errors.New("remote object not found")

// IsRetryable reports whether err is a transient failure worth another attempt: network
// errors, timeouts, rate limiting and provider-side 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return classify(err)
}

// wrapError turns any failure into a *GatewayError, keeping an existing one intact.
func wrapError(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return &GatewayError{Op: op, Ref: ref, Retryable: classify(err), Err: err}
}

func classify(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Type == stripe.ErrorTypeAPI
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
