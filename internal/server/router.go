package server

import (
	"errors"
	"net/url"
	"strings"
)

// MaxKeyLength is the longest storage key accepted, in bytes.
const MaxKeyLength = 1024

var (
	// ErrEmptyKey means the path names no resource ("/").
	ErrEmptyKey = errors.New("empty key")
	// ErrInvalidKey means the path cannot be used as a storage key.
	ErrInvalidKey = errors.New("invalid key")
)

// RouteKind says which handler serves a request.
type RouteKind int

const (
	RouteNotFound RouteKind = iota
	RouteBadRequest
	RouteMethodNotAllowed
	RouteHealth
	RouteMetrics
	RouteDownload
	RouteUpload
)

func (k RouteKind) String() string {
	switch k {
	case RouteBadRequest:
		return "bad_request"
	case RouteMethodNotAllowed:
		return "method_not_allowed"
	case RouteHealth:
		return "health"
	case RouteMetrics:
		return "metrics"
	case RouteDownload:
		return "download"
	case RouteUpload:
		return "upload"
	default:
		return "not_found"
	}
}

// Route is the outcome of routing: a handler kind and, for uploads and
// downloads, the storage key taken from the path.
type Route struct {
	Kind   RouteKind
	Key    string
	Reason string
}

// resolveRoute is a pure function of method and path. It performs no
// I/O and never touches storage.
func resolveRoute(m Method, target string) Route {
	path := stripQuery(target)

	if m == MethodGet {
		switch path {
		case "/_health":
			return Route{Kind: RouteHealth}
		case "/_metrics":
			return Route{Kind: RouteMetrics}
		}
	}

	key, err := KeyFromPath(path)
	switch {
	case errors.Is(err, ErrEmptyKey):
		if m == MethodGet {
			return Route{Kind: RouteNotFound}
		}
		return Route{Kind: RouteBadRequest, Reason: "missing key"}
	case err != nil:
		return Route{Kind: RouteBadRequest, Reason: err.Error()}
	}

	reserved := strings.HasPrefix(key, "_")
	switch m {
	case MethodGet:
		if reserved {
			return Route{Kind: RouteNotFound}
		}
		return Route{Kind: RouteDownload, Key: key}
	case MethodPost, MethodPut:
		if reserved {
			return Route{Kind: RouteBadRequest, Reason: "reserved key"}
		}
		return Route{Kind: RouteUpload, Key: key}
	default:
		return Route{Kind: RouteMethodNotAllowed}
	}
}

func stripQuery(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		return target[:i]
	}
	return target
}

// KeyFromPath derives a storage key from a request path: the leading
// slash is dropped and percent-escapes are decoded.
func KeyFromPath(path string) (string, error) {
	path = stripQuery(path)
	if !strings.HasPrefix(path, "/") {
		return "", ErrInvalidKey
	}
	raw := path[1:]
	if raw == "" {
		return "", ErrEmptyKey
	}
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", ErrInvalidKey
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// ValidateKey checks length, character set and path segments.
func ValidateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if !keyByte(key[i]) {
			return ErrInvalidKey
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

func keyByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("._~!$&'()+,;=@ -/", c) >= 0
}
