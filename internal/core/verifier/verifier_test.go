package verifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestCheckPublicIP_FallsBackToNextEndpoint(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer broken.Close()
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not an ip")
	}))
	defer plain.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ip":"203.0.113.7"}`)
	}))
	defer good.Close()

	v := New(nil, []string{broken.URL, plain.URL, good.URL})
	res, err := v.CheckPublicIP(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("CheckPublicIP() returned an error: %v", err)
	}
	if res.IP != "203.0.113.7" || res.Source != good.URL {
		t.Errorf("Expected ip from the third endpoint, got %+v", res)
	}
}

func TestCheckPublicIP_AllFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	v := New(nil, []string{broken.URL, broken.URL})
	if _, err := v.CheckPublicIP(context.Background(), time.Second); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed, got %v", err)
	}
}

func TestCheckPublicIP_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	v := New(nil, []string{slow.URL})
	start := time.Now()
	_, err := v.CheckPublicIP(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed on timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Expected timeout to abort the request promptly")
	}
}

func TestCheckReachablePage(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer page.Close()
	u, _ := url.Parse(page.URL)
	host := u.Hostname()

	v := New(nil, nil)
	ctx := context.Background()
	statuses := []int{200, 204}

	res, err := v.CheckReachablePage(ctx, page.URL+"/ok", time.Second, host, statuses)
	if err != nil {
		t.Fatalf("Expected page check to pass, got %v", err)
	}
	if res.Status != http.StatusNoContent || res.FinalHost != host {
		t.Errorf("Unexpected result %+v", res)
	}

	if _, err := v.CheckReachablePage(ctx, page.URL+"/denied", time.Second, "", statuses); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Expected unexpected status to fail, got %v", err)
	}
}

func TestCheckReachablePage_RedirectToOtherHostFails(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer portal.Close()
	// 127.0.0.1 跳转到 localhost，主机名不同
	portalURL, _ := url.Parse(portal.URL)
	portalURL.Host = "localhost:" + portalURL.Port()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, portalURL.String(), http.StatusFound)
	}))
	defer page.Close()
	u, _ := url.Parse(page.URL)

	v := New(nil, nil)
	res, err := v.CheckReachablePage(context.Background(), page.URL, time.Second, u.Hostname(), []int{200})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Expected redirect to another host to fail, got %v", err)
	}
	if res.FinalHost != "localhost" {
		t.Errorf("Expected final host localhost, got %q", res.FinalHost)
	}
}

func TestParseIP(t *testing.T) {
	cases := map[string]bool{
		`{"ip":"1.2.3.4"}`:     true,
		"2001:db8::1\n":        true,
		`{"ip":"nope"}`:        false,
		"<html>blocked</html>": false,
	}
	for body, ok := range cases {
		_, err := parseIP([]byte(body))
		if (err == nil) != ok {
			t.Errorf("parseIP(%q): expected ok=%v, got err=%v", body, ok, err)
		}
	}
}
