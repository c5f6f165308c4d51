package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	authConfig "github.com/iurnickita/orderledger/internal/auth/config"
	handlerConfig "github.com/iurnickita/orderledger/internal/handler/config"
	lockConfig "github.com/iurnickita/orderledger/internal/lock/config"
	loggerConfig "github.com/iurnickita/orderledger/internal/logger/config"
	serviceConfig "github.com/iurnickita/orderledger/internal/service/config"
	storeConfig "github.com/iurnickita/orderledger/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Auth    authConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Lock    lockConfig.Config
	Logger  loggerConfig.Config
}

// GetConfig собирает конфигурацию: значения по умолчанию, флаги, затем
// переменные окружения (в том числе из файла .env)
func GetConfig() Config {
	return getConfig(flag.CommandLine, os.Args[1:])
}

func getConfig(fs *flag.FlagSet, args []string) Config {
	// .env не обязателен
	_ = godotenv.Load()

	cfg := Config{}
	var tenants string

	fs.StringVar(&cfg.Handler.ServerAddr, "a", "localhost:8080", "address and port to run server")
	fs.DurationVar(&cfg.Handler.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	fs.StringVar(&cfg.Auth.TokenSecret, "token-secret", "", "HS256 token signing secret")
	fs.DurationVar(&cfg.Auth.TokenTTL, "token-ttl", 24*time.Hour, "issued token lifetime")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database connection string, empty for in-memory store")
	fs.IntVar(&cfg.Store.MaxOpenConns, "db-max-conns", 20, "database connection pool size")
	fs.DurationVar(&cfg.Store.MigrateTimeout, "db-migrate-timeout", 30*time.Second, "schema migration timeout")
	fs.StringVar(&cfg.Lock.RedisURL, "redis", "", "redis URL for reconciliation locks, empty for in-process locks")
	fs.DurationVar(&cfg.Lock.TTL, "lock-ttl", 5*time.Minute, "reconciliation lock lifetime")
	fs.IntVar(&cfg.Service.MaxRetries, "max-retries", 3, "recomputation retries on conflict")
	fs.DurationVar(&cfg.Service.RetryBackoff, "retry-backoff", 50*time.Millisecond, "initial retry backoff")
	fs.DurationVar(&cfg.Service.AppendTimeout, "append-timeout", 5*time.Second, "single event ingestion timeout")
	fs.DurationVar(&cfg.Service.ReconcileGrace, "reconcile-grace", 24*time.Hour, "minimal age of an orphan event")
	fs.IntVar(&cfg.Service.ReconcileChunk, "reconcile-chunk", 500, "orphan candidates per scan")
	fs.DurationVar(&cfg.Service.ReconcileInterval, "reconcile-interval", time.Hour, "reconciliation period, 0 disables the worker")
	fs.StringVar(&tenants, "reconcile-tenants", "", "comma separated tenants to reconcile, empty for all")
	fs.StringVar(&cfg.Service.ReportTimezone, "tz", "UTC", "reporting timezone")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	_ = fs.Parse(args)

	envString("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	envString("TOKEN_SECRET", &cfg.Auth.TokenSecret)
	envDuration("TOKEN_TTL", &cfg.Auth.TokenTTL)
	envString("DATABASE_URI", &cfg.Store.DBDsn)
	envInt("DATABASE_MAX_CONNS", &cfg.Store.MaxOpenConns)
	envString("REDIS_URL", &cfg.Lock.RedisURL)
	envDuration("LOCK_TTL", &cfg.Lock.TTL)
	envInt("MAX_RETRIES", &cfg.Service.MaxRetries)
	envDuration("APPEND_TIMEOUT", &cfg.Service.AppendTimeout)
	envDuration("RECONCILE_GRACE", &cfg.Service.ReconcileGrace)
	envInt("RECONCILE_CHUNK", &cfg.Service.ReconcileChunk)
	envDuration("RECONCILE_INTERVAL", &cfg.Service.ReconcileInterval)
	envString("RECONCILE_TENANTS", &tenants)
	envString("REPORT_TIMEZONE", &cfg.Service.ReportTimezone)
	envString("LOG_LEVEL", &cfg.Logger.LogLevel)

	for _, tenant := range strings.Split(tenants, ",") {
		if tenant = strings.TrimSpace(tenant); tenant != "" {
			cfg.Service.ReconcileTenants = append(cfg.Service.ReconcileTenants, tenant)
		}
	}

	return cfg
}

func envString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func envInt(key string, dst *int) {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			*dst = v
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			*dst = v
		}
	}
}
