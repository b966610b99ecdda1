package ssrf

import (
	"net"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.9", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"224.0.0.1", true},
		{"0.0.0.0", true},
		{"100.64.0.1", true},
		{"240.0.0.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"::ffff:127.0.0.1", true},
		{"::ffff:192.168.0.1", true},
		{"::ffff:10.0.0.5", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("bad test ip %q", tt.ip)
			}
			if got := IsPrivateIP(ip); got != tt.want {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestIsBlockedHostname(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"printer.local", true},
		{"db.internal", true},
		{"foo.localhost", true},
		{"metadata.google.internal", true},
		{"example.com", false},
		{"mylocal.example.com", false},
	}
	for _, tt := range tests {
		if got := IsBlockedHostname(tt.host); got != tt.want {
			t.Errorf("IsBlockedHostname(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestMatchesDomainAllowlist(t *testing.T) {
	allow := []string{"example.com", "*.trusted.org"}
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"sub.trusted.org", true},
		{"trusted.org", false},
		{"evil.com", false},
		{"notexample.com", false},
	}
	for _, tt := range tests {
		if got := MatchesDomainAllowlist(tt.host, allow); got != tt.want {
			t.Errorf("MatchesDomainAllowlist(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
	if !MatchesDomainAllowlist("anything.example", []string{"*"}) {
		t.Error("wildcard * should match everything")
	}
}

func TestValidateURL(t *testing.T) {
	allow := []string{"*"}
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https ok", "https://example.com/page", false},
		{"http ok", "http://example.com", false},
		{"file refused", "file:///etc/passwd", true},
		{"ftp refused", "ftp://example.com", true},
		{"loopback", "http://127.0.0.1/admin", true},
		{"private v4", "http://192.168.1.1", true},
		{"v4 mapped v6 private", "http://[::ffff:10.0.0.1]/", true},
		{"v6 loopback", "http://[::1]:8080/", true},
		{"localhost name", "http://localhost/x", true},
		{"mdns", "http://printer.local/", true},
		{"multicast", "http://224.0.0.5/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateURL(tt.url, allow)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURLAllowlist(t *testing.T) {
	if _, err := ValidateURL("https://docs.example.com/a", []string{"example.com"}); err != nil {
		t.Errorf("subdomain of allowlisted domain refused: %v", err)
	}
	if _, err := ValidateURL("https://other.org/a", []string{"example.com"}); err == nil {
		t.Error("non-allowlisted domain accepted")
	}
}
