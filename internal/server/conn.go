package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"socket-file-drop/internal/logging"
)

// connState is a step in the life of one accepted connection.
type connState int

const (
	stateAccepted connState = iota
	stateParsing
	stateRouting
	stateExecuting
	stateResponding
	stateClosed
	stateError
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateParsing:
		return "parsing"
	case stateRouting:
		return "routing"
	case stateExecuting:
		return "executing"
	case stateResponding:
		return "responding"
	case stateClosed:
		return "closed"
	case stateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// connection drives one accepted socket through parse, route, execute
// and respond, and closes it exactly once.
type connection struct {
	srv  *Server
	conn net.Conn

	id     string
	start  time.Time
	state  connState
	trace  []connState
	remote string

	req     *Request
	route   Route
	status  int
	written int64
	failure error

	closeOnce sync.Once
}

func newConnection(srv *Server, nc net.Conn) *connection {
	c := &connection{
		srv:    srv,
		conn:   nc,
		id:     generateRequestID(),
		start:  time.Now(),
		state:  stateAccepted,
		trace:  []connState{stateAccepted},
		remote: nc.RemoteAddr().String(),
		route:  Route{Kind: RouteNotFound},
	}
	return c
}

func (c *connection) transition(to connState) {
	c.state = to
	c.trace = append(c.trace, to)
}

// fail moves to the error state unless already there.
func (c *connection) fail(err error) {
	if c.failure == nil {
		c.failure = err
	}
	if c.state != stateError {
		c.transition(stateError)
	}
}

// serve runs the whole state machine. It never panics out; a handler
// panic becomes a 500 if nothing has been written yet.
func (c *connection) serve(ctx context.Context) {
	defer c.close()
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error("handler_panic", logging.Fields{
				"request_id": c.id,
				"stack":      string(debug.Stack()),
			}, fmt.Errorf("%v", r))
			if c.state != stateResponding && c.state != stateClosed {
				c.fail(fmt.Errorf("panic: %v", r))
				c.respond(textResponse(StatusInternalServerError, ""))
			}
		}
	}()

	resp := c.process(ctx)
	resp = c.finishBody(resp)
	c.respond(resp)
}

func (c *connection) process(ctx context.Context) *Response {
	s := c.srv
	c.transition(stateParsing)

	if s.cfg.HeaderTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.HeaderTimeout))
	}
	dr := &deadlineReader{conn: c.conn}
	br := bufio.NewReaderSize(dr, ReadBufferSize)

	req, err := ParseRequest(br, s.cfg.MaxUploadBytes)
	c.req = req
	if req != nil {
		req.RemoteAddr = c.remote
		c.id = requestIDFor(req, c.id)
	}
	if err != nil {
		c.fail(err)
		if errors.Is(err, ErrNoRequest) {
			return nil
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			return textResponse(StatusBadRequest, "")
		}
		s.log.Debug("request_rejected", logging.Fields{
			"request_id": c.id,
			"remote_ip":  peerIP(c.remote),
			"kind":       pe.Kind.String(),
			"detail":     pe.Detail,
		})
		return errorResponse(pe)
	}

	// The head is in; the body runs on an idle deadline instead.
	_ = c.conn.SetReadDeadline(time.Time{})
	dr.idle = s.cfg.ReadTimeout

	if s.limiter != nil && !s.limiter.allow(peerIP(c.remote)) {
		s.metrics.RecordRateLimited()
		c.fail(errRateLimited)
		resp := textResponse(StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		resp.Header.Set("Retry-After", "60")
		return resp
	}

	c.transition(stateRouting)
	c.route = resolveRoute(req.Method, req.Path)
	handler := s.handlerFor(c.route)

	c.transition(stateExecuting)
	return handler(withRequestID(ctx, c.id), req)
}

var errRateLimited = errors.New("rate limit exceeded")

// finishBody drains whatever the handler left unread so the peer sees
// the response rather than a reset. A body that turns out to be short
// or stalled replaces the response with the matching client error.
func (c *connection) finishBody(resp *Response) *Response {
	if c.req == nil || c.req.body == nil {
		return resp
	}
	err := c.req.body.drain()
	if err == nil {
		return resp
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		return resp
	}
	c.fail(pe)
	if resp != nil && resp.StatusCode == pe.Kind.StatusCode() {
		return resp
	}
	_ = resp.Close()
	return errorResponse(pe)
}

func (c *connection) respond(resp *Response) {
	c.transition(stateResponding)
	if resp == nil {
		return
	}
	defer resp.Close()

	resp.Header.Set("Server", c.srv.serverHeader())
	resp.Header.Set("X-Request-Id", c.id)
	resp.Header.Set("X-Content-Type-Options", "nosniff")
	c.status = resp.StatusCode

	if wt := c.srv.cfg.WriteTimeout; wt > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wt))
	}
	n, err := resp.WriteTo(c.conn)
	c.written = n
	if err != nil {
		c.srv.log.Warn("response_write_failed", logging.Fields{
			"request_id": c.id,
			"status":     resp.StatusCode,
			"written":    n,
			"error":      err.Error(),
		})
	}
}

// close releases the socket and emits the access line. Only the first
// call has any effect.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		s := c.srv
		d := time.Since(c.start)
		noRequest := errors.Is(c.failure, ErrNoRequest)
		if !noRequest {
			s.metrics.RecordRequest(c.route.Kind, c.status, d)
		}

		if tcp, ok := c.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		err := c.conn.Close()
		c.transition(stateClosed)

		if noRequest {
			s.log.Debug("connection_closed_without_request", logging.Fields{"remote_ip": peerIP(c.remote)})
		} else {
			fields := logging.Fields{
				"request_id": c.id,
				"remote_ip":  peerIP(c.remote),
				"status":     c.status,
				"ms":         d.Milliseconds(),
				"bytes":      c.written,
				"route":      c.route.Kind.String(),
			}
			if c.req != nil {
				fields["method"] = c.req.RawMethod
				fields["path"] = c.req.Path
			}
			if c.failure != nil {
				fields["failure"] = c.failure.Error()
			}
			s.log.Info("request", fields)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("connection_close_failed", logging.Fields{"request_id": c.id, "error": err.Error()})
		}
		if s.onConnClosed != nil {
			s.onConnClosed(c.trace)
		}
	})
}
