package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strconv"
	"time"
)

const (
	StatusOK                    = 200
	StatusCreated               = 201
	StatusBadRequest            = 400
	StatusNotFound              = 404
	StatusMethodNotAllowed      = 405
	StatusRequestTimeout        = 408
	StatusRequestEntityTooLarge = 413
	StatusTooManyRequests       = 429
	StatusInternalServerError   = 500
	StatusNotImplemented        = 501
	StatusServiceUnavailable    = 503
)

var statusText = map[int]string{
	StatusOK:                    "OK",
	StatusCreated:               "Created",
	StatusBadRequest:            "Bad Request",
	StatusNotFound:              "Not Found",
	StatusMethodNotAllowed:      "Method Not Allowed",
	StatusRequestTimeout:        "Request Timeout",
	StatusRequestEntityTooLarge: "Request Entity Too Large",
	StatusTooManyRequests:       "Too Many Requests",
	StatusInternalServerError:   "Internal Server Error",
	StatusNotImplemented:        "Not Implemented",
	StatusServiceUnavailable:    "Service Unavailable",
}

// StatusText returns the reason phrase for code, or "" if unknown.
func StatusText(code int) string { return statusText[code] }

// Response is what a handler produces. Small bodies live in Body;
// streamed ones (downloads) in BodyReader with ContentLength set.
type Response struct {
	StatusCode int
	Header     Header

	Body          []byte
	BodyReader    io.Reader
	ContentLength int64

	closer io.Closer
}

func newResponse(status int) *Response {
	return &Response{StatusCode: status, Header: make(Header)}
}

// emptyResponse has no body at all; used for 404.
func emptyResponse(status int) *Response { return newResponse(status) }

// textResponse carries a one-line plain text explanation.
func textResponse(status int, msg string) *Response {
	resp := newResponse(status)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg == "" {
		msg = StatusText(status)
	}
	resp.Body = []byte(msg + "\n")
	return resp
}

func jsonResponse(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return textResponse(StatusInternalServerError, "encode response")
	}
	resp := newResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = append(data, '\n')
	return resp
}

func streamResponse(status int, body io.ReadCloser, size int64) *Response {
	resp := newResponse(status)
	resp.BodyReader = body
	resp.ContentLength = size
	resp.closer = body
	return resp
}

// errorResponse maps a parse failure onto its status.
func errorResponse(err *ParseError) *Response {
	status := err.Kind.StatusCode()
	resp := textResponse(status, StatusText(status))
	if err.Kind == UnsupportedMethod {
		resp.Header.Set("Allow", AllowedMethods)
	}
	return resp
}

// Len is the number of body bytes the response will carry.
func (r *Response) Len() int64 {
	if r.BodyReader != nil {
		return r.ContentLength
	}
	return int64(len(r.Body))
}

// Close releases a streamed body. Safe to call more than once.
func (r *Response) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}

// WriteTo serialises the response as HTTP/1.0. Content-Length always
// matches the body actually written; a streamed body that ends early
// is reported as an error.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 32<<10)

	reason := StatusText(r.StatusCode)
	if reason == "" {
		reason = "Status " + strconv.Itoa(r.StatusCode)
	}
	fmt.Fprintf(bw, "HTTP/1.0 %d %s\r\n", r.StatusCode, reason)

	if r.Header == nil {
		r.Header = make(Header)
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.Len(), 10))
	r.Header.Set("Connection", "close")
	if !r.Header.Has("Date") {
		r.Header.Set("Date", time.Now().UTC().Format(httpTimeFormat))
	}

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(bw, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(name), r.Header[name])
	}
	bw.WriteString("\r\n")

	if r.BodyReader != nil {
		n, err := io.CopyN(bw, r.BodyReader, r.ContentLength)
		if err != nil {
			_ = bw.Flush()
			return cw.n, fmt.Errorf("write body: %d of %d bytes: %w", n, r.ContentLength, err)
		}
	} else {
		bw.Write(r.Body)
	}

	err := bw.Flush()
	return cw.n, err
}

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
