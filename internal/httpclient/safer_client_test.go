package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"
)

func TestValidateURL(t *testing.T) {
	client := New(Options{Timeout: 5 * time.Second})

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https allowed", url: "https://example.com/hook"},
		{name: "http allowed", url: "http://example.com"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "gopher scheme", url: "gopher://example.com", errContains: "scheme"},
		{name: "localhost", url: "http://localhost/admin", errContains: "localhost"},
		{name: "sub.localhost", url: "http://api.localhost/", errContains: "localhost"},
		{name: "loopback v4", url: "http://127.0.0.1:8080/", errContains: "blocked"},
		{name: "rfc1918", url: "http://10.1.2.3/", errContains: "blocked"},
		{name: "metadata", url: "http://169.254.169.254/latest", errContains: "blocked"},
		{name: "loopback v6", url: "http://[::1]/", errContains: "blocked"},
		{name: "unique local v6", url: "http://[fd00::1]/", errContains: "blocked"},
		{name: "mapped loopback", url: "http://[::ffff:127.0.0.1]/", errContains: "blocked"},
		{name: "user info", url: "http://example.com@127.0.0.1/", errContains: "user info"},
		{name: "missing host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				if err != nil {
					t.Errorf("expected %s to be allowed, got %v", tt.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected %s to be rejected", tt.url)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
			}
		})
	}
}

func TestIsBlockedAddr(t *testing.T) {
	blocked := []string{"127.0.0.1", "10.0.0.1", "172.16.5.4", "192.168.1.1", "0.0.0.0", "224.0.0.1", "100.64.0.1", "::1", "fe80::1", "2001:db8::1"}
	for _, s := range blocked {
		if !IsBlockedAddr(netip.MustParseAddr(s)) {
			t.Errorf("expected %s to be blocked", s)
		}
	}

	public := []string{"8.8.8.8", "1.1.1.1", "2606:4700:4700::1111"}
	for _, s := range public {
		if IsBlockedAddr(netip.MustParseAddr(s)) {
			t.Errorf("expected %s to be allowed", s)
		}
	}
}

func TestDo_BlocksPrivateDestination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Options{Timeout: 5 * time.Second})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Do(req); err == nil {
		t.Fatal("expected request to httptest server on loopback to be blocked")
	}
}

func TestDo_AllowPrivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := New(Options{Timeout: 5 * time.Second, AllowPrivate: true})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
}

func TestRedirectLimit(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/again", http.StatusFound)
	}))
	defer server.Close()

	client := New(Options{Timeout: 5 * time.Second, AllowPrivate: true, MaxRedirects: 2})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if err == nil || !strings.Contains(err.Error(), "stopped after 2 redirects") {
		t.Errorf("expected redirect limit error, got %v", err)
	}
}
