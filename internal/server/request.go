package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// ReadBufferSize bounds the request line and every header line.
	ReadBufferSize = 8 << 10
	// MaxHeaderCount is the most header lines a request may carry.
	MaxHeaderCount = 100
)

// Method is a request method the server understands.
type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPut
)

// ParseMethod maps a method token case-sensitively.
func ParseMethod(tok string) Method {
	switch tok {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "PUT":
		return MethodPut
	default:
		return MethodUnknown
	}
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	default:
		return "UNKNOWN"
	}
}

// AllowedMethods is sent in the Allow header of 405 responses.
const AllowedMethods = "GET, POST, PUT"

// Header maps lowercased field names to values. The last occurrence of
// a repeated field wins.
type Header map[string]string

func (h Header) Get(name string) string { return h[strings.ToLower(name)] }

func (h Header) Set(name, value string) { h[strings.ToLower(name)] = value }

func (h Header) Del(name string) { delete(h, strings.ToLower(name)) }

func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Request is a parsed request head plus a lazily read body.
type Request struct {
	Method    Method
	RawMethod string
	Path      string // request target as sent, including any query
	Version   string
	Header    Header

	// ContentLength is 0 when the header is absent.
	ContentLength int64
	// Body yields exactly ContentLength bytes, then io.EOF. A peer that
	// closes early produces ErrBodyTruncated instead.
	Body io.Reader

	RemoteAddr string

	body *bodyReader
}

// ParseRequest reads a request head from r. The body is not read; it
// is exposed through Request.Body and read by whoever handles the
// request. maxBody <= 0 disables the size limit.
//
// Once the request line has been parsed the returned Request is
// non-nil even when err is not, so callers can log what was asked for.
func ParseRequest(r *bufio.Reader, maxBody int64) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, ErrNoRequest
		}
		return nil, lineError(MalformedRequestLine, "request line", err)
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, parseErr(MalformedRequestLine, fmt.Sprintf("expected 3 tokens, got %d", len(parts)), nil)
	}
	if parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, parseErr(MalformedRequestLine, fmt.Sprintf("%q", line), nil)
	}

	req := &Request{
		RawMethod: parts[0],
		Method:    ParseMethod(parts[0]),
		Path:      parts[1],
		Version:   parts[2],
		Header:    make(Header),
	}

	if err := readHeaders(r, req.Header); err != nil {
		return req, err
	}

	if req.Method == MethodUnknown {
		return req, parseErr(UnsupportedMethod, req.RawMethod, nil)
	}

	if te := strings.TrimRight(req.Header.Get("Transfer-Encoding"), " \t"); te != "" && !strings.EqualFold(te, "identity") {
		return req, parseErr(UnsupportedTransferEncoding, te, nil)
	}

	if req.Header.Has("Content-Length") {
		n, err := parseContentLength(strings.TrimRight(req.Header.Get("Content-Length"), " \t"))
		if err != nil {
			return req, err
		}
		if maxBody > 0 && n > maxBody {
			return req, parseErr(BodyTooLarge, fmt.Sprintf("%d bytes exceeds limit of %d", n, maxBody), nil)
		}
		req.ContentLength = n
	}

	req.body = &bodyReader{r: r, remaining: req.ContentLength, declared: req.ContentLength}
	req.Body = req.body
	return req, nil
}

func readHeaders(r *bufio.Reader, h Header) error {
	for count := 0; ; count++ {
		line, err := readLine(r)
		if err != nil {
			return lineError(MalformedHeaders, "header block not terminated", err)
		}
		if line == "" {
			return nil
		}
		if count >= MaxHeaderCount {
			return parseErr(MalformedHeaders, fmt.Sprintf("more than %d headers", MaxHeaderCount), nil)
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return parseErr(MalformedHeaders, fmt.Sprintf("missing colon in %q", line), nil)
		}
		if name == "" || strings.ContainsAny(name, " \t") {
			return parseErr(MalformedHeaders, fmt.Sprintf("invalid field name %q", name), nil)
		}
		// Trailing whitespace is part of the stored value.
		h.Set(name, strings.TrimLeft(value, " \t"))
	}
}

func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, parseErr(MalformedHeaders, "empty content-length", nil)
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, parseErr(MalformedHeaders, fmt.Sprintf("invalid content-length %q", v), nil)
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, parseErr(MalformedHeaders, fmt.Sprintf("invalid content-length %q", v), err)
	}
	return n, nil
}

// readLine returns one line without its CRLF or LF terminator. A line
// longer than the reader's buffer is an error.
func readLine(r *bufio.Reader) (string, error) {
	b, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errLineTooLong
		}
		return string(b), err
	}
	b = b[:len(b)-1]
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return string(b), nil
}

var errLineTooLong = errors.New("line exceeds read buffer")

// lineError classifies a failure to read a head line.
func lineError(kind ParseErrorKind, detail string, err error) error {
	if isTimeout(err) {
		return parseErr(RequestTimeout, detail, err)
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return parseErr(kind, detail, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// bodyReader hands out exactly the declared number of bytes. Errors are
// sticky so the handler and the connection see the same outcome.
type bodyReader struct {
	r         io.Reader
	remaining int64
	declared  int64
	err       error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}

	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	switch {
	case err == nil:
	case b.remaining == 0 && errors.Is(err, io.EOF):
		err = nil
	case isTimeout(err):
		b.err = parseErr(RequestTimeout, "reading body", err)
	case errors.Is(err, io.EOF):
		b.err = parseErr(BodyTruncated, fmt.Sprintf("got %d of %d bytes", b.declared-b.remaining, b.declared), io.ErrUnexpectedEOF)
	default:
		b.err = parseErr(BodyTruncated, "reading body", err)
	}
	if b.err != nil {
		return n, b.err
	}
	return n, nil
}

// drain discards whatever the handler left unread.
func (b *bodyReader) drain() error {
	if b == nil {
		return nil
	}
	if b.err != nil {
		return b.err
	}
	_, err := io.Copy(io.Discard, b)
	return err
}

// Err reports the sticky read error, if any.
func (b *bodyReader) Err() error {
	if b == nil {
		return nil
	}
	return b.err
}

// deadlineReader applies read deadlines to a connection. With idle zero
// the absolute deadline already set on the connection governs reads;
// otherwise every read gets its own idle deadline.
type deadlineReader struct {
	conn net.Conn
	idle time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.idle > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.idle)); err != nil {
			return 0, err
		}
	}
	return d.conn.Read(p)
}
