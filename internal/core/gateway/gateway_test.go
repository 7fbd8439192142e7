package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

type failingDialer struct{}

func (failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("upstream proxy unreachable")
}

func startGateway(t *testing.T, d Dialer) (*Gateway, *url.URL) {
	t.Helper()
	g := New(0, d, nil)
	port, err := g.InitializeListener()
	if err != nil {
		t.Fatalf("InitializeListener() returned an error: %v", err)
	}
	go g.Serve()
	t.Cleanup(g.Close)
	u, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	return g, u
}

func TestGateway_ForwardsPlainHTTP(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Connection") != "" {
			t.Errorf("Expected proxy headers to be stripped")
		}
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer origin.Close()

	g, proxyURL := startGateway(t, &net.Dialer{})
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   3 * time.Second,
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get(origin.URL + "/index")
	if err != nil {
		t.Fatalf("GET through gateway failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello from /index" {
		t.Errorf("Unexpected body %q", body)
	}

	stats := g.Stats()
	if stats.Uplink == 0 || stats.Downlink == 0 {
		t.Errorf("Expected traffic to be counted, got %+v", stats)
	}
}

func TestGateway_ConnectTunnel(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer origin.Close()

	_, proxyURL := startGateway(t, &net.Dialer{})
	client := origin.Client()
	client.Transport.(*http.Transport).Proxy = http.ProxyURL(proxyURL)
	client.Timeout = 3 * time.Second
	defer client.CloseIdleConnections()

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("HTTPS GET through gateway failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "secure" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestGateway_DialFailureReturnsBadGateway(t *testing.T) {
	_, proxyURL := startGateway(t, failingDialer{})
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   3 * time.Second,
	}

	resp, err := client.Get("http://example.invalid/")
	if err != nil {
		t.Fatalf("Expected an HTTP error response, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
}

func TestTargetAddr(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", "example.com:443"},
		{"GET http://example.com/a HTTP/1.1\r\nHost: example.com\r\n\r\n", "example.com:80"},
		{"GET http://example.com:8080/a HTTP/1.1\r\nHost: example.com:8080\r\n\r\n", "example.com:8080"},
	}
	for _, c := range cases {
		req, err := http.ReadRequest(bufioReader(c.raw))
		if err != nil {
			t.Fatal(err)
		}
		if got := targetAddr(req); got != c.want {
			t.Errorf("targetAddr(%q): expected %s, got %s", c.raw, c.want, got)
		}
	}
}

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestGateway_SOCKS5WithAuth(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "via socks")
	}))
	defer origin.Close()

	g := New(0, &net.Dialer{}, nil)
	port, err := g.InitializeSOCKSListener(0, "alice", "secret")
	if err != nil {
		t.Fatalf("InitializeSOCKSListener() returned an error: %v", err)
	}
	go g.ServeSOCKS()
	t.Cleanup(g.Close)

	socksAddr := fmt.Sprintf("127.0.0.1:%d", port)
	dialer, err := proxy.SOCKS5("tcp", socksAddr, &proxy.Auth{User: "alice", Password: "secret"}, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.(proxy.ContextDialer).DialContext(ctx, network, addr)
			},
			DisableKeepAlives: true,
		},
		Timeout: 3 * time.Second,
	}

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("GET through SOCKS5 gateway failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "via socks" {
		t.Errorf("Unexpected body %q", body)
	}
	if g.Stats().Downlink == 0 {
		t.Error("Expected SOCKS5 traffic to be counted")
	}

	badDialer, _ := proxy.SOCKS5("tcp", socksAddr, &proxy.Auth{User: "alice", Password: "wrong"}, proxy.Direct)
	if conn, err := badDialer.Dial("tcp", strings.TrimPrefix(origin.URL, "http://")); err == nil {
		conn.Close()
		t.Error("Expected wrong credentials to be rejected")
	}
}
