package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"socket-file-drop/internal/logging"
	"socket-file-drop/internal/storage"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Config holds everything a Server needs. Zero durations and sizes
// fall back to the defaults below.
type Config struct {
	Port     int
	BindHost string // "auto", "" / "INADDR_ANY", or an IPv4 literal
	Resolver AddressResolver
	Backlog  int

	HeaderTimeout time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	MaxUploadBytes int64
	MaxConns       int
	RateLimit      int // requests per peer IP per minute; 0 disables

	Storage storage.FileStorage
	Logger  *logging.Logger

	Version string
	Commit  string
}

const (
	DefaultHeaderTimeout  = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 60 * time.Second
	DefaultMaxUploadBytes = 100 << 20
	DefaultMaxConns       = 64
)

// Server owns the listening socket and drives every accepted
// connection to completion on its own worker.
type Server struct {
	cfg     Config
	store   storage.FileStorage
	log     *logging.Logger
	metrics *Metrics
	limiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sock    *ListeningSocket
	closing bool
	wg      sync.WaitGroup
	sem     chan struct{}
	stopCh  chan struct{}
	stopped sync.Once

	// onConnClosed receives each connection's state trace; tests only.
	onConnClosed func([]connState)
}

// New validates cfg and builds a Server. No socket is opened yet.
func New(cfg Config) (*Server, error) {
	if cfg.Storage == nil {
		return nil, errors.New("server: storage is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server: port %d out of range", cfg.Port)
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewCommandResolver()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		store:   cfg.Storage,
		log:     cfg.Logger,
		metrics: NewMetrics(cfg.Version, cfg.Commit),
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, cfg.MaxConns),
		stopCh:  make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, time.Minute)
	}
	return s, nil
}

// bindAddress resolves the configured bind host to an IPv4 address.
func (s *Server) bindAddress(ctx context.Context) (net.IP, error) {
	if s.cfg.BindHost != "auto" {
		return BindIPv4(s.cfg.BindHost)
	}
	addr, err := s.cfg.Resolver.DiscoverIPv4(ctx)
	if err != nil {
		return nil, err
	}
	return BindIPv4(addr)
}

// Open resolves the bind address and creates, binds and listens on the
// socket. On error nothing stays open.
func (s *Server) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sock != nil {
		return errors.New("server: already open")
	}
	if s.closing {
		return ErrServerClosed
	}

	ip, err := s.bindAddress(ctx)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	sock, err := OpenListeningSocket(ip, s.cfg.Port, s.cfg.Backlog)
	if err != nil {
		return err
	}
	s.sock = sock

	s.log.Info("listening", logging.Fields{
		"addr":      sock.Addr().String(),
		"backlog":   s.cfg.Backlog,
		"max_conns": s.cfg.MaxConns,
	})
	return nil
}

// Addr is the bound address, or nil before Open.
func (s *Server) Addr() *net.TCPAddr {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Addr()
}

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Serve accepts connections until Shutdown. Transient accept failures
// are logged and retried with backoff; each accepted connection is
// handled on its own goroutine, at most MaxConns at a time.
func (s *Server) Serve() error {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return errors.New("server: Serve called before Open")
	}

	var backoff time.Duration
	for {
		conn, err := sock.Accept()
		if err != nil {
			if s.isStopping() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var se *SocketError
			if !errors.As(err, &se) || !se.Temporary() {
				return err
			}

			backoff = nextBackoff(backoff)
			s.metrics.RecordAcceptError()
			s.log.Warn("accept_failed", logging.Fields{"error": err.Error(), "retry_in": backoff.String()})
			select {
			case <-time.After(backoff):
				continue
			case <-s.stopCh:
				return ErrServerClosed
			}
		}
		backoff = 0

		select {
		case s.sem <- struct{}{}:
		case <-s.stopCh:
			_ = conn.Close()
			return ErrServerClosed
		}

		if !s.track() {
			<-s.sem
			_ = conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serveConn(conn)
		}()
	}
}

// track registers an in-flight connection unless shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) serveConn(nc net.Conn) {
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	newConnection(s, nc).serve(s.ctx)
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Start opens the socket and serves in the background. Serve errors
// other than ErrServerClosed are logged.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerClosed) {
			s.log.Error("serve_failed", nil, err)
		}
	}()
	return nil
}

// Shutdown closes the listening socket first so no new connections are
// accepted, then waits for in-flight connections until ctx is done. On
// timeout the handlers' context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopped.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	s.closing = true
	sock := s.sock
	s.mu.Unlock()

	err := sock.Close()
	if s.limiter != nil {
		s.limiter.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Server) serverHeader() string {
	return "sofd/" + s.cfg.Version
}
