package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"socket-file-drop/internal/logging"
	"socket-file-drop/internal/server"
	"socket-file-drop/internal/storage"
)

// Exit codes.
const (
	exitOK      = 0
	exitStartup = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
		return exitUsage
	}
	port, err := server.ParsePort(args[0])
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "invalid_port", err)
		return exitUsage
	}

	// Refuse to start on a bad environment; report every problem at once.
	if err := server.ValidateEnvironment(); err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		return exitStartup
	}

	logger := logging.FromEnv().With(logging.Fields{"service": "backend"})
	version := getenvDefault("SOFD_VERSION", "dev")
	commit := getenvDefault("SOFD_COMMIT", "unknown")

	storeCfg := storageConfigFromEnv()
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.Open(initCtx, storeCfg, logger)
	cancelInit()
	if err != nil {
		log.Printf("service=backend msg=%q driver=%s err=%v", "storage_init_failed", storeCfg.Driver, err)
		return exitStartup
	}
	defer func() { _ = store.Close() }()

	srv, err := server.New(server.Config{
		Port:           port,
		BindHost:       getenvDefault("SOFD_BIND_HOST", "auto"),
		Resolver:       &server.CommandResolver{Commands: parseAddrCommands(os.Getenv("SOFD_ADDR_COMMANDS")), Timeout: 5 * time.Second},
		Backlog:        getenvInt("SOFD_BACKLOG", server.DefaultBacklog),
		HeaderTimeout:  getenvDuration("SOFD_HEADER_TIMEOUT", server.DefaultHeaderTimeout),
		ReadTimeout:    getenvDuration("SOFD_READ_TIMEOUT", server.DefaultReadTimeout),
		WriteTimeout:   getenvDuration("SOFD_WRITE_TIMEOUT", server.DefaultWriteTimeout),
		MaxUploadBytes: int64(getenvInt("SOFD_MAX_UPLOAD_BYTES", server.DefaultMaxUploadBytes)),
		MaxConns:       getenvInt("SOFD_MAX_CONNS", server.DefaultMaxConns),
		RateLimit:      getenvInt("SOFD_RATE_LIMIT", 0),
		Storage:        store,
		Logger:         logger,
		Version:        version,
		Commit:         commit,
	})
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "server_config_invalid", err)
		return exitStartup
	}

	if err := srv.Open(context.Background()); err != nil {
		log.Printf("service=backend msg=%q port=%d err=%v", "listen_failed", port, err)
		return exitStartup
	}

	// Serve in the background so the main goroutine can wait for signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=backend msg=%q addr=%s version=%s commit=%s",
			"starting", srv.Addr(), version, commit)
		errCh <- srv.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("service=backend msg=%q signal=%s", "shutting_down", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("service=backend msg=%q err=%v", "shutdown_error", err)
			return exitStartup
		}
		log.Printf("service=backend msg=%q", "shutdown_complete")
		return exitOK
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			log.Printf("service=backend msg=%q err=%v", "server_error", err)
			_ = srv.Shutdown(context.Background())
			return exitStartup
		}
		return exitOK
	}
}

// storageConfigFromEnv maps the SOFD_* storage variables onto storage.Config.
func storageConfigFromEnv() storage.Config {
	return storage.Config{
		Driver:      getenvDefault("SOFD_STORAGE_DRIVER", storage.DriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		MySQLDSN:    os.Getenv("SOFD_MYSQL_DSN"),
		Minio: storage.MinioConfig{
			Endpoint:  os.Getenv("SOFD_S3_ENDPOINT"),
			AccessKey: os.Getenv("SOFD_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SOFD_S3_SECRET_KEY"),
			Bucket:    os.Getenv("SOFD_BUCKET"),
		},
		RedisURL:          os.Getenv("SOFD_REDIS_URL"),
		RedisPrefix:       getenvDefault("SOFD_REDIS_PREFIX", "sofd:"),
		CacheTTL:          getenvDuration("SOFD_CACHE_TTL", 0),
		CacheMaxItemBytes: int64(getenvInt("SOFD_CACHE_MAX_ITEM_BYTES", 1<<20)),
		BreakerFailures:   uint32(getenvInt("SOFD_BREAKER_FAILURES", 5)),
		BreakerTimeout:    getenvDuration("SOFD_BREAKER_TIMEOUT", 30*time.Second),
	}
}

// parseAddrCommands splits "ifconfig;ip -4 addr show" into argv lists.
// An empty value keeps the resolver defaults.
func parseAddrCommands(value string) [][]string {
	var cmds [][]string
	for _, part := range strings.Split(value, ";") {
		if argv := strings.Fields(part); len(argv) > 0 {
			cmds = append(cmds, argv)
		}
	}
	return cmds
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt assumes ValidateEnvironment already rejected bad values.
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
