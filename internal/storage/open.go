package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"socket-file-drop/internal/db"
	"socket-file-drop/internal/logging"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMinio    = "minio"
	DriverRedis    = "redis"
)

// Drivers lists every supported driver name.
var Drivers = []string{DriverMemory, DriverPostgres, DriverMySQL, DriverMinio, DriverRedis}

// Config selects and configures a backend plus its decorators.
type Config struct {
	Driver string

	DatabaseURL string // postgres
	MySQLDSN    string // mysql
	Minio       MinioConfig
	RedisURL    string
	RedisPrefix string

	CacheTTL          time.Duration // 0 disables the read cache
	CacheMaxItemBytes int64

	BreakerFailures uint32 // 0 disables the circuit breaker
	BreakerTimeout  time.Duration
}

// Open initialises the configured backend and wraps it with the
// enabled decorators. Any failure leaves nothing open.
func Open(ctx context.Context, cfg Config, log *logging.Logger) (FileStorage, error) {
	if log == nil {
		log = logging.Default()
	}

	var (
		store FileStorage
		err   error
	)
	switch cfg.Driver {
	case DriverMemory:
		store = NewMemoryStore()
	case DriverPostgres:
		store, err = openPostgres(cfg.DatabaseURL, log)
	case DriverMySQL:
		store, err = OpenMySQLStore(ctx, cfg.MySQLDSN)
	case DriverMinio:
		store, err = OpenMinioStore(ctx, cfg.Minio)
	case DriverRedis:
		store, err = OpenRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%s storage: %w", cfg.Driver, err)
	}

	if cfg.CacheTTL > 0 {
		store = NewCachedStore(store, cfg.CacheTTL, cfg.CacheMaxItemBytes)
		log.Info("storage_cache_enabled", logging.Fields{
			"ttl":      cfg.CacheTTL.String(),
			"max_item": humanize.IBytes(uint64(cfg.CacheMaxItemBytes)),
		})
	}
	if cfg.BreakerFailures > 0 {
		store = NewBreakerStore(store, NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerTimeout, log))
	}

	log.Info("storage_ready", logging.Fields{"driver": cfg.Driver})
	return store, nil
}

func openPostgres(databaseURL string, log *logging.Logger) (*PostgresStore, error) {
	conn, err := db.OpenDB(databaseURL)
	if err != nil {
		return nil, err
	}

	log.Info("running_migrations", nil)
	if err := db.RunMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info("migrations_complete", nil)

	return NewPostgresStore(conn), nil
}
