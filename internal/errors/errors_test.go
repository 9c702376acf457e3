package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("cert/renew", 503, "busy")
	assert.Equal(t, "cert/renew API error (status 503): busy", err.Error())

	wrapped := &APIError{Endpoint: "dns/add", StatusCode: 500, Message: "boom", Err: ErrUnavailable}
	assert.Contains(t, wrapped.Error(), "service unavailable")
	assert.ErrorIs(t, wrapped, ErrUnavailable)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", ErrTimeout, true},
		{"unavailable wrapped", fmt.Errorf("dial: %w", ErrUnavailable), true},
		{"api 503", NewAPIError("x", 503, ""), true},
		{"api 429", NewAPIError("x", 429, ""), true},
		{"api 404", NewAPIError("x", 404, ""), false},
		{"rejected", &RejectedError{Operation: "renew"}, false},
		{"generic", errors.New("generic"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	err := Permanent(errors.New("bad payload"))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "bad payload")

	assert.True(t, IsPermanent(fmt.Errorf("item 1: %w", ErrUnknownAction)))
	assert.False(t, IsPermanent(ErrTimeout))
}

func TestRejectedError(t *testing.T) {
	err := &RejectedError{Operation: "certificate.renew", Message: "rate limited by ACME"}
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "certificate.renew: request rejected by server: rate limited by ACME", err.Error())
	assert.Equal(t, "certificate.renew: request rejected by server", (&RejectedError{Operation: "certificate.renew"}).Error())
}
