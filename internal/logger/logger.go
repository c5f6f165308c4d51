package logger

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/orderledger/internal/logger/config"
)

// Тела запросов и ответов пишутся в лог не длиннее bodyLogLimit байт
const bodyLogLimit = 2048

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	return zapcfg.Build()
}

// middleware-логер для входящих HTTP-запросов.
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bodyBytes, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		zaplog.Debug("got incoming HTTP request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.String("tenant", r.PathValue("tenant")),
			zap.ByteString("body", truncate(bodyBytes)),
		)

		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h(wl, r)
		handlerDuration := time.Since(handlerStart)

		zaplog.Info("HTTP request served",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Int("code", wl.statusCode),
			zap.Int("length", wl.length),
			zap.Duration("duration", handlerDuration),
		)
		if wl.statusCode >= http.StatusBadRequest {
			zaplog.Warn("HTTP request failed",
				zap.String("path", r.URL.Path),
				zap.Int("code", wl.statusCode),
				zap.ByteString("body", truncate(wl.body.Bytes())),
			)
		}
	}
}

func truncate(b []byte) []byte {
	if len(b) > bodyLogLimit {
		return b[:bodyLogLimit]
	}
	return b
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
	body       bytes.Buffer
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{ResponseWriter: w, statusCode: http.StatusOK}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	if room := bodyLogLimit - wl.body.Len(); room > 0 {
		wl.body.Write(truncateTo(b, room))
	}
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}

func truncateTo(b []byte, limit int) []byte {
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
