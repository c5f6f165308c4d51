package config

import "time"

type Config struct {
	// Пустой адрес - блокировки в памяти процесса
	RedisURL string
	TTL      time.Duration
}
