package request

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		wantIP  string
	}{
		{"x-forwarded-for", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "", "1.2.3.4"},
		{"x-forwarded-for first", map[string]string{"X-Forwarded-For": " 1.2.3.4 , 5.6.7.8 "}, "", "1.2.3.4"},
		{"x-real-ip", map[string]string{"X-Real-IP": "9.9.9.9"}, "", "9.9.9.9"},
		{"remote addr without port", nil, "10.0.0.1:12345", "10.0.0.1"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"garbage forwarded header ignored", map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.0.0.2:80", "10.0.0.2"},
		{"garbage real ip ignored", map[string]string{"X-Real-IP": "<script>"}, "10.0.0.3:80", "10.0.0.3"},
		{"xff over xri", map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "9.9.9.9"}, "", "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}
			got := ClientIP(r)
			if got != tt.wantIP {
				t.Errorf("ClientIP() = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestEnsureRequestID(t *testing.T) {
	t.Parallel()

	existing := uuid.NewString()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, existing)
	if got := EnsureRequestID(r); got != existing {
		t.Errorf("EnsureRequestID() = %q, want caller's %q", got, existing)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "not-a-uuid\nforged")
	got := EnsureRequestID(r)
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("EnsureRequestID() = %q, want a generated UUID", got)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	t.Parallel()

	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestIDFromContext(ctx); got != "abc" {
		t.Errorf("RequestIDFromContext() = %q, want abc", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("RequestIDFromContext() = %q, want empty", got)
	}
}
