// config_validation.go - Up-front validation of the SOFD_* environment.
//
// All problems are collected and reported together so a misconfigured
// deployment fails once, with the full list, before any socket is opened.
package server

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"socket-file-drop/internal/storage"
)

// ConfigValidationError represents a configuration validation error.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigValidator validates application configuration.
type ConfigValidator struct {
	errors []ConfigValidationError
}

// NewConfigValidator creates a new configuration validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		errors: make([]ConfigValidationError, 0),
	}
}

// AddError adds a validation error.
func (v *ConfigValidator) AddError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{
		Field:   field,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors.
func (v *ConfigValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *ConfigValidator) Errors() []ConfigValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *ConfigValidator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateRequired records an error when key is unset and returns its value.
func (v *ConfigValidator) ValidateRequired(key string) string {
	value := os.Getenv(key)
	if value == "" {
		v.AddError(key, "required environment variable not set")
	}
	return value
}

// ValidatePort validates that a value is a valid port number.
func (v *ConfigValidator) ValidatePort(key, value string) {
	if _, err := ParsePort(value); err != nil {
		v.AddError(key, err.Error())
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *ConfigValidator) ValidateEnum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePositiveInt validates that a value is a positive integer.
func (v *ConfigValidator) ValidatePositiveInt(key, value string) {
	if value == "" {
		return
	}
	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return
	}
	if num <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

// ValidateNonNegativeInt allows zero, which switches a feature off.
func (v *ConfigValidator) ValidateNonNegativeInt(key, value string) {
	if value == "" {
		return
	}
	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return
	}
	if num < 0 {
		v.AddError(key, "must not be negative")
	}
}

// ValidateDuration validates a time.ParseDuration string.
func (v *ConfigValidator) ValidateDuration(key, value string, allowZero bool) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g., 5s, 1m)")
		return
	}
	if d < 0 || (d == 0 && !allowZero) {
		v.AddError(key, "must be a positive duration")
	}
}

// ValidateBindHost accepts "auto", the wildcard spellings or an IPv4 literal.
func (v *ConfigValidator) ValidateBindHost(key, value string) {
	if value == "" || value == "auto" || strings.EqualFold(value, "INADDR_ANY") {
		return
	}
	if ip := net.ParseIP(value); ip == nil || ip.To4() == nil {
		v.AddError(key, "must be auto, INADDR_ANY or an IPv4 address")
	}
}

// ValidatePostgresURL checks the scheme of a PostgreSQL connection string.
func (v *ConfigValidator) ValidatePostgresURL(key, value string) {
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "postgres://") && !strings.HasPrefix(value, "postgresql://") {
		v.AddError(key, "must be a valid PostgreSQL connection string")
	}
}

// ValidateMySQLDSN parses value with the driver's own DSN parser.
func (v *ConfigValidator) ValidateMySQLDSN(key, value string) {
	if value == "" {
		return
	}
	cfg, err := mysql.ParseDSN(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid DSN: %v", err))
		return
	}
	if cfg.DBName == "" {
		v.AddError(key, "DSN must name a database")
	}
}

// ValidateRedisURL requires a redis:// or rediss:// URL.
func (v *ConfigValidator) ValidateRedisURL(key, value string) {
	if value == "" {
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		v.AddError(key, "URL must use redis or rediss scheme")
	}
}

// ParsePort parses a TCP port in 1..65535. A leading colon is accepted.
func ParsePort(value string) (int, error) {
	s := strings.TrimPrefix(strings.TrimSpace(value), ":")
	if s == "" {
		return 0, fmt.Errorf("port is required")
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port must be a number (got %q)", value)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535 (got %d)", port)
	}
	return port, nil
}

// ValidateEnvironment checks every SOFD_* variable plus the settings
// the selected storage driver needs.
func ValidateEnvironment() error {
	v := NewConfigValidator()

	v.ValidateBindHost("SOFD_BIND_HOST", os.Getenv("SOFD_BIND_HOST"))
	v.ValidatePositiveInt("SOFD_BACKLOG", os.Getenv("SOFD_BACKLOG"))
	v.ValidatePositiveInt("SOFD_MAX_CONNS", os.Getenv("SOFD_MAX_CONNS"))
	v.ValidatePositiveInt("SOFD_MAX_UPLOAD_BYTES", os.Getenv("SOFD_MAX_UPLOAD_BYTES"))
	v.ValidateNonNegativeInt("SOFD_RATE_LIMIT", os.Getenv("SOFD_RATE_LIMIT"))

	v.ValidateDuration("SOFD_HEADER_TIMEOUT", os.Getenv("SOFD_HEADER_TIMEOUT"), false)
	v.ValidateDuration("SOFD_READ_TIMEOUT", os.Getenv("SOFD_READ_TIMEOUT"), false)
	v.ValidateDuration("SOFD_WRITE_TIMEOUT", os.Getenv("SOFD_WRITE_TIMEOUT"), false)

	v.ValidateDuration("SOFD_CACHE_TTL", os.Getenv("SOFD_CACHE_TTL"), true)
	v.ValidatePositiveInt("SOFD_CACHE_MAX_ITEM_BYTES", os.Getenv("SOFD_CACHE_MAX_ITEM_BYTES"))
	v.ValidateNonNegativeInt("SOFD_BREAKER_FAILURES", os.Getenv("SOFD_BREAKER_FAILURES"))
	v.ValidateDuration("SOFD_BREAKER_TIMEOUT", os.Getenv("SOFD_BREAKER_TIMEOUT"), false)

	driver := os.Getenv("SOFD_STORAGE_DRIVER")
	v.ValidateEnum("SOFD_STORAGE_DRIVER", driver, storage.Drivers)
	switch driver {
	case "", storage.DriverPostgres:
		v.ValidatePostgresURL("DATABASE_URL", v.ValidateRequired("DATABASE_URL"))
	case storage.DriverMySQL:
		v.ValidateMySQLDSN("SOFD_MYSQL_DSN", v.ValidateRequired("SOFD_MYSQL_DSN"))
	case storage.DriverMinio:
		v.ValidateRequired("SOFD_S3_ENDPOINT")
		v.ValidateRequired("SOFD_S3_ACCESS_KEY")
		v.ValidateRequired("SOFD_S3_SECRET_KEY")
		v.ValidateRequired("SOFD_BUCKET")
	case storage.DriverRedis:
		v.ValidateRedisURL("SOFD_REDIS_URL", v.ValidateRequired("SOFD_REDIS_URL"))
	}

	v.ValidateEnum("SOFD_LOG_FORMAT", os.Getenv("SOFD_LOG_FORMAT"), []string{"", "json", "text"})
	v.ValidateEnum("SOFD_LOG_LEVEL", os.Getenv("SOFD_LOG_LEVEL"), []string{"", "debug", "info", "warn", "error"})
	v.ValidateEnum("SOFD_ENV", os.Getenv("SOFD_ENV"), []string{"", "development", "production", "staging"})

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}
