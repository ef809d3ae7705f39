package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	client := New(Options{Timeout: 30 * time.Second})

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, defaultMaxRedirects, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)
	assert.Equal(t, []string{"http", "https"}, client.allowedSchemes)
}

func TestNew_AllowPrivateNetwork(t *testing.T) {
	client := New(Options{Timeout: time.Second, AllowPrivateNetwork: true})

	assert.False(t, client.blockPrivateIP)
	_, err := client.ValidateURL("http://localhost:8000/api/")
	assert.NoError(t, err)
	_, err = client.ValidateURL("http://10.0.0.5/api/")
	assert.NoError(t, err)
}

func TestValidateURL(t *testing.T) {
	client := New(Options{Timeout: time.Second})

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{"https", "https://example.com/path", ""},
		{"http", "http://example.com", ""},
		{"file scheme", "file:///etc/passwd", "scheme"},
		{"ftp scheme", "ftp://example.com", "scheme"},
		{"localhost", "http://localhost/admin", "localhost"},
		{"localhost subdomain", "http://admin.localhost/", "localhost"},
		{"loopback", "http://127.0.0.1/", "private IP"},
		{"10/8", "http://10.0.0.1/", "private IP"},
		{"192.168/16", "http://192.168.1.1/", "private IP"},
		{"172.16/12", "http://172.16.0.1/", "private IP"},
		{"metadata", "http://169.254.169.254/metadata", "private IP"},
		{"ipv6 loopback", "http://[::1]/", "private IP"},
		{"ipv6 unique local", "http://[fd00::1]/", "private IP"},
		{"credentials", "http://evil.com@localhost/", "credentials"},
		{"missing host", "http:///path", "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestIsPrivateAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
		{"127.0.0.1", true},
		{"::ffff:10.1.2.3", true},
		{"fe80::1%eth0", true},
		{"224.0.0.1", true},
		{"2001:db8::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, isPrivateAddr(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestDo_BlocksPrivateTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Options{Timeout: time.Second})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request blocked")
}

func TestWrapClient_AllowsTestServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := WrapClient(server.Client())
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRedirectLimit(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/again", http.StatusFound)
	}))
	defer server.Close()

	two := 2
	client := New(Options{Timeout: time.Second, MaxRedirects: &two, AllowPrivateNetwork: true})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}
