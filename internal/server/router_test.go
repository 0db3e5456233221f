package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolveRoute(t *testing.T) {
	tests := []struct {
		method Method
		target string
		want   Route
	}{
		{MethodGet, "/files/report.pdf", Route{Kind: RouteDownload, Key: "files/report.pdf"}},
		{MethodPut, "/files/report.pdf", Route{Kind: RouteUpload, Key: "files/report.pdf"}},
		{MethodPost, "/a.txt?overwrite=1", Route{Kind: RouteUpload, Key: "a.txt"}},
		{MethodGet, "/my%20file.txt", Route{Kind: RouteDownload, Key: "my file.txt"}},
		{MethodGet, "/a%2Fb", Route{Kind: RouteDownload, Key: "a/b"}},
		{MethodGet, "/_health", Route{Kind: RouteHealth}},
		{MethodGet, "/_metrics", Route{Kind: RouteMetrics}},
		{MethodGet, "/_health?verbose=1", Route{Kind: RouteHealth}},
		{MethodGet, "/", Route{Kind: RouteNotFound}},
		{MethodGet, "/_private", Route{Kind: RouteNotFound}},
		{MethodPut, "/_health", Route{Kind: RouteBadRequest, Reason: "reserved key"}},
		{MethodPut, "/", Route{Kind: RouteBadRequest, Reason: "missing key"}},
		{MethodGet, "/../etc/passwd", Route{Kind: RouteBadRequest, Reason: ErrInvalidKey.Error()}},
		{MethodGet, "/a//b", Route{Kind: RouteBadRequest, Reason: ErrInvalidKey.Error()}},
		{MethodGet, "/dir/", Route{Kind: RouteBadRequest, Reason: ErrInvalidKey.Error()}},
		{MethodGet, "/bad%zz", Route{Kind: RouteBadRequest, Reason: ErrInvalidKey.Error()}},
		{MethodGet, "http://host/a", Route{Kind: RouteBadRequest, Reason: ErrInvalidKey.Error()}},
		{MethodUnknown, "/a", Route{Kind: RouteMethodNotAllowed}},
	}

	for _, tt := range tests {
		t.Run(tt.method.String()+" "+tt.target, func(t *testing.T) {
			got := resolveRoute(tt.method, tt.target)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("route mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{
		"a",
		"files/report.pdf",
		"with space.txt",
		"odd-chars_~!$&'()+,;=@.bin",
		strings.Repeat("k", MaxKeyLength),
	}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%q) = %v", key, err)
		}
	}

	invalid := map[string]error{
		"":            ErrEmptyKey,
		"a/./b":       ErrInvalidKey,
		"a/../b":      ErrInvalidKey,
		"/leading":    ErrInvalidKey,
		"tab\there":   ErrInvalidKey,
		"quote\"d":    ErrInvalidKey,
		"percent%":    ErrInvalidKey,
		"back\\slash": ErrInvalidKey,
		"ünicode":     ErrInvalidKey,
	}
	invalid[strings.Repeat("k", MaxKeyLength+1)] = ErrInvalidKey
	for key, want := range invalid {
		if err := ValidateKey(key); !errors.Is(err, want) {
			t.Errorf("ValidateKey(%q) = %v, want %v", key, err, want)
		}
	}
}

func TestEscapeKeyRoundTrips(t *testing.T) {
	for _, key := range []string{"a b/c d.txt", "x/y(1).pdf", "plain"} {
		got, err := KeyFromPath("/" + escapeKey(key))
		if err != nil || got != key {
			t.Errorf("KeyFromPath(escapeKey(%q)) = %q, %v", key, got, err)
		}
	}
}
