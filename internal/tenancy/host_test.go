package tenancy

import (
	"net/http"
	"testing"
)

func TestEffectiveHost_TrustProxy(t *testing.T) {
	r := &http.Request{Header: http.Header{}, Host: "ignored:8080"}
	r.Header.Set("X-Forwarded-Host", "Example.COM:1234, other")
	if got := EffectiveHost(r, true); got != "example.com" {
		t.Fatalf("got=%q", got)
	}
}

func TestEffectiveHost_NoProxyTrust(t *testing.T) {
	r := &http.Request{Header: http.Header{}, Host: "Example.COM:8080"}
	r.Header.Set("X-Forwarded-Host", "should-not-use.local")
	if got := EffectiveHost(r, false); got != "example.com" {
		t.Fatalf("got=%q", got)
	}
}

func TestEffectiveHost_TrustProxyWithoutHeader(t *testing.T) {
	r := &http.Request{Header: http.Header{}, Host: "lab-1.localhost"}
	if got := EffectiveHost(r, true); got != "lab-1.localhost" {
		t.Fatalf("got=%q", got)
	}
}

func TestForwardedHost_Empty(t *testing.T) {
	r := &http.Request{Header: http.Header{}}
	if got := forwardedHost(r); got != "" {
		t.Fatalf("got=%q", got)
	}
}

func TestHostWithoutPort(t *testing.T) {
	cases := map[string]string{
		"localhost:8080": "localhost",
		"localhost":      "localhost",
		"[::1]:8080":     "::1",
		"::1":            "::1",
		"[::1]":          "::1",
	}
	for in, want := range cases {
		if got := hostWithoutPort(in); got != want {
			t.Fatalf("hostWithoutPort(%q)=%q want %q", in, got, want)
		}
	}
}

func TestNormalizeHostname(t *testing.T) {
	if got := normalizeHostname("  Lab-1.Example.COM.:443 "); got != "lab-1.example.com" {
		t.Fatalf("got=%q", got)
	}
}
