package config

import "time"

type Config struct {
	// Повторы пересчета при конфликте транзакций
	MaxRetries   int
	RetryBackoff time.Duration
	// Ограничение на прием одного события
	AppendTimeout time.Duration

	// Сверка: события младше ReconcileGrace не считаются сиротами
	ReconcileGrace    time.Duration
	ReconcileChunk    int
	ReconcileInterval time.Duration
	ReconcileTenants  []string

	// Часовой пояс границ отчетных периодов
	ReportTimezone string
}
