package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"socket-file-drop/internal/logging"
	"socket-file-drop/internal/storage"
)

// Handler produces the response for one routed request.
type Handler func(ctx context.Context, req *Request) *Response

// uploadResp is the JSON body returned after a successful upload.
type uploadResp struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	Status    string `json:"status"`
}

// handlerFor returns the handler for a resolved route.
func (s *Server) handlerFor(rt Route) Handler {
	switch rt.Kind {
	case RouteHealth:
		return s.handleHealth
	case RouteMetrics:
		return s.handleMetrics
	case RouteDownload:
		return func(ctx context.Context, req *Request) *Response { return s.handleDownload(ctx, req, rt.Key) }
	case RouteUpload:
		return func(ctx context.Context, req *Request) *Response { return s.handleUpload(ctx, req, rt.Key) }
	case RouteBadRequest:
		return func(context.Context, *Request) *Response { return textResponse(StatusBadRequest, rt.Reason) }
	case RouteMethodNotAllowed:
		return func(context.Context, *Request) *Response {
			resp := textResponse(StatusMethodNotAllowed, "")
			resp.Header.Set("Allow", AllowedMethods)
			return resp
		}
	default:
		return func(context.Context, *Request) *Response { return emptyResponse(StatusNotFound) }
	}
}

// handleUpload streams the body into storage while hashing it. The
// storage error is logged here and never retried.
func (s *Server) handleUpload(ctx context.Context, req *Request, key string) *Response {
	start := time.Now()
	rid := RequestIDFromContext(ctx)

	h := sha256.New()
	body := io.TeeReader(req.Body, h)

	err := s.store.Put(ctx, key, body, req.ContentLength)
	if err == nil {
		// A backend may swallow the reader's error; the body keeps it.
		err = req.body.Err()
	}
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			s.log.Warn("upload_body_incomplete", logging.Fields{
				"request_id": rid,
				"key":        key,
				"declared":   req.ContentLength,
				"kind":       pe.Kind.String(),
			})
			return errorResponse(pe)
		}

		s.metrics.RecordStorageError("put")
		s.log.Error("upload_failed", logging.Fields{
			"request_id": rid,
			"key":        key,
			"size":       humanize.IBytes(uint64(req.ContentLength)),
		}, err)
		return storageErrorResponse(err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	s.metrics.RecordUpload(req.ContentLength)
	s.log.Info("upload_stored", logging.Fields{
		"request_id": rid,
		"key":        key,
		"size":       humanize.IBytes(uint64(req.ContentLength)),
		"sha256":     sum,
		"ms":         time.Since(start).Milliseconds(),
	})

	resp := jsonResponse(StatusCreated, uploadResp{
		Key:       key,
		SizeBytes: req.ContentLength,
		SHA256:    sum,
		Status:    "stored",
	})
	resp.Header.Set("Location", "/"+escapeKey(key))
	return resp
}

// handleDownload streams a stored blob back. A miss is a 404 with an
// empty body.
func (s *Server) handleDownload(ctx context.Context, req *Request, key string) *Response {
	rid := RequestIDFromContext(ctx)

	blob, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return emptyResponse(StatusNotFound)
		}
		s.metrics.RecordStorageError("get")
		s.log.Error("download_failed", logging.Fields{"request_id": rid, "key": key}, err)
		return storageErrorResponse(err)
	}

	s.metrics.RecordDownload(blob.Size)
	s.log.Debug("download_started", logging.Fields{
		"request_id": rid,
		"key":        key,
		"size":       humanize.IBytes(uint64(blob.Size)),
	})

	resp := streamResponse(StatusOK, blob.Body, blob.Size)
	resp.Header.Set("Content-Type", contentTypeFor(key))
	resp.Header.Set("Content-Disposition", contentDisposition(key))
	return resp
}

// contentDisposition names the download after the key's last segment.
// The filename is a bare token when it can be and a quoted string
// otherwise.
func contentDisposition(key string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}); v != "" {
		return v
	}
	return "attachment"
}

// healthResp mirrors the component-style health document.
type healthResp struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]componentHealth `json:"components"`
}

type componentHealth struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
}

func (s *Server) handleHealth(ctx context.Context, _ *Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	health := healthResp{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Version:    s.cfg.Version,
		Commit:     s.cfg.Commit,
		Components: make(map[string]componentHealth),
	}

	start := time.Now()
	comp := componentHealth{Status: "up"}
	if err := s.store.Ping(ctx); err != nil {
		comp.Status = "down"
		comp.Message = err.Error()
		health.Status = "unhealthy"
	}
	comp.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	health.Components["storage"] = comp

	if bs, ok := s.store.(*storage.BreakerStore); ok {
		state := bs.Breaker().State()
		cb := componentHealth{Status: "up", Message: state.String()}
		if state != storage.StateClosed {
			cb.Status = "degraded"
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Components["circuit_breaker"] = cb
	}

	status := StatusOK
	if health.Status == "unhealthy" {
		status = StatusServiceUnavailable
	}
	return jsonResponse(status, health)
}

func (s *Server) handleMetrics(context.Context, *Request) *Response {
	var buf strings.Builder
	if err := s.metrics.WriteText(&buf); err != nil {
		s.log.Error("metrics_gather_failed", nil, err)
		return textResponse(StatusInternalServerError, "")
	}
	resp := newResponse(StatusOK)
	resp.Header.Set("Content-Type", TextContentType)
	resp.Body = []byte(buf.String())
	return resp
}

// storageErrorResponse is 503 while the breaker is open, 500 otherwise.
func storageErrorResponse(err error) *Response {
	if errors.Is(err, storage.ErrCircuitOpen) {
		resp := textResponse(StatusServiceUnavailable, "storage unavailable")
		resp.Header.Set("Retry-After", "30")
		return resp
	}
	return textResponse(StatusInternalServerError, "storage error")
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// escapeKey percent-encodes each segment so the Location header is a
// valid path even for keys with spaces.
func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
