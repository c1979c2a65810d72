package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"server error", &stripe.Error{HTTPStatusCode: http.StatusInternalServerError}, true},
		{"card declined", &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: stripe.ErrorTypeCard}, false},
		{"wrapped gateway error", fmt.Errorf("swap: %w", &GatewayError{Op: OpSaveSubscription, Retryable: true, Err: errors.New("x")}), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestGatewayError_Message(t *testing.T) {
	err := wrapError(OpSaveSubscription, "sub_1", errors.New("boom"))
	assert.Equal(t, "gateway SaveSubscription sub_1: boom", err.Error())

	again := wrapError(OpCreateInvoice, "cus_1", err)
	assert.Same(t, err, again)
}
