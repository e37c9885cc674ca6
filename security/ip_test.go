package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		forwardedFor      string
		realIP            string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.5:4321",
			want:       "203.0.113.5",
		},
		{
			name:         "proxy headers ignored when not trusted",
			remoteAddr:   "203.0.113.5:4321",
			forwardedFor: "198.51.100.1",
			realIP:       "198.51.100.2",
			want:         "203.0.113.5",
		},
		{
			name:         "single forwarded hop",
			remoteAddr:   "10.0.0.1:4321",
			forwardedFor: "198.51.100.1",
			trustProxy:   true,
			want:         "198.51.100.1",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:4321",
			forwardedFor:      "198.51.100.1, 10.0.0.2, 10.0.0.3",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "198.51.100.1",
		},
		{
			name:              "spoofed entries beyond the trusted chain",
			remoteAddr:        "10.0.0.1:4321",
			forwardedFor:      "6.6.6.6, 198.51.100.1, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "198.51.100.1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:4321",
			realIP:     "198.51.100.9",
			trustProxy: true,
			want:       "198.51.100.9",
		},
		{
			name:         "garbage forwarded-for falls through",
			remoteAddr:   "203.0.113.5:4321",
			forwardedFor: "not-an-ip",
			trustProxy:   true,
			want:         "203.0.113.5",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.5",
			want:       "203.0.113.5",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:4321",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}

			got := ClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
