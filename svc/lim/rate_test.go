package lim

import (
	"net/http/httptest"
	"testing"
)

func TestCheckLimitBurstExhaustion(t *testing.T) {
	l := New(60, 3, nil)
	defer l.Stop()

	req := httptest.NewRequest("GET", "/abc123", nil)
	req.RemoteAddr = "203.0.113.9:40000"

	for i := 0; i < 3; i++ {
		res := l.CheckLimit(req, "read")
		if !res.Allowed {
			t.Fatalf("request %d within burst was rejected", i)
		}
		if res.Limit != 60 {
			t.Errorf("Limit = %d, want 60", res.Limit)
		}
	}
	res := l.CheckLimit(req, "read")
	if res.Allowed {
		t.Error("request beyond burst was allowed")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestCheckLimitSeparatesClientsAndEndpoints(t *testing.T) {
	l := New(60, 1, nil)
	defer l.Stop()

	a := httptest.NewRequest("GET", "/abc123", nil)
	a.RemoteAddr = "203.0.113.9:40000"
	b := httptest.NewRequest("GET", "/abc123", nil)
	b.RemoteAddr = "203.0.113.10:40000"

	if !l.CheckLimit(a, "read").Allowed {
		t.Fatal("first request rejected")
	}
	if l.CheckLimit(a, "read").Allowed {
		t.Error("second request from same client allowed")
	}
	if !l.CheckLimit(b, "read").Allowed {
		t.Error("other client was throttled by the first one's bucket")
	}
	if !l.CheckLimit(a, "write").Allowed {
		t.Error("write bucket shared with read bucket")
	}
}

func TestGetRealIPWithoutProxies(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	// XFF is ignored unless the peer is a trusted proxy
	if got := GetRealIP(req, nil); got != "203.0.113.9" {
		t.Errorf("GetRealIP = %q, want 203.0.113.9", got)
	}
}

func TestGetRealIPTrustedChain(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted []string
		want    string
	}{
		{
			name:    "single trusted hop",
			remote:  "10.0.0.1:443",
			xff:     "198.51.100.1",
			trusted: []string{"10.0.0.1"},
			want:    "198.51.100.1",
		},
		{
			name:    "walks past trusted hops right to left",
			remote:  "10.0.0.1:443",
			xff:     "198.51.100.1, 10.0.0.2, 10.0.0.1",
			trusted: []string{"10.0.0.1", "10.0.0.2"},
			want:    "198.51.100.1",
		},
		{
			name:    "cidr trust",
			remote:  "10.0.5.9:443",
			xff:     "198.51.100.1",
			trusted: []string{"10.0.0.0/16"},
			want:    "198.51.100.1",
		},
		{
			name:    "untrusted peer ignores xff",
			remote:  "198.51.100.7:443",
			xff:     "1.2.3.4",
			trusted: []string{"10.0.0.1"},
			want:    "198.51.100.7",
		},
		{
			name:    "garbage entries skipped",
			remote:  "10.0.0.1:443",
			xff:     "198.51.100.1, not-an-ip",
			trusted: []string{"10.0.0.1"},
			want:    "198.51.100.1",
		},
		{
			name:    "empty xff falls back to peer",
			remote:  "10.0.0.1:443",
			xff:     "",
			trusted: []string{"10.0.0.1"},
			want:    "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetRealIP(req, tt.trusted); got != tt.want {
				t.Errorf("GetRealIP = %q, want %q", got, tt.want)
			}
		})
	}
}
