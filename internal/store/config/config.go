package config

import "time"

type Config struct {
	// DBDsn пустой - используется хранилище в памяти
	DBDsn          string
	MaxOpenConns   int
	MigrateTimeout time.Duration
}
