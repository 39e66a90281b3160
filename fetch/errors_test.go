package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "blocked"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "blocked"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "other", err: errors.New("some other error"), statusCode: 200, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestBlockedErrorUnwraps(t *testing.T) {
	cause := errors.New("http status 403")
	err := ErrBlocked{Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("ErrBlocked does not unwrap to its cause")
	}
}
