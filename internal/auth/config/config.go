package config

import "time"

type Config struct {
	// Ключ подписи токенов HS256
	TokenSecret string
	TokenTTL    time.Duration
}
