package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/iurnickita/orderledger/internal/auth"
	"github.com/iurnickita/orderledger/internal/config"
	"github.com/iurnickita/orderledger/internal/handler"
	"github.com/iurnickita/orderledger/internal/lock"
	"github.com/iurnickita/orderledger/internal/logger"
	"github.com/iurnickita/orderledger/internal/service"
	"github.com/iurnickita/orderledger/internal/store"
	storeConfig "github.com/iurnickita/orderledger/internal/store/config"
	"github.com/iurnickita/orderledger/internal/store/memstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := newStore(cfg.Store, zaplog)
	if err != nil {
		return err
	}
	defer store.Close()

	locker, err := lock.NewLocker(cfg.Lock)
	if err != nil {
		return err
	}
	defer locker.Close()

	if cfg.Auth.TokenSecret == "" {
		zaplog.Warn("token secret is not configured, every API request will be rejected")
	}
	auth := auth.NewAuth(cfg.Auth)

	svc, err := service.NewService(cfg.Service, store, zaplog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Фоновая сверка журналов
	reconciler := service.NewReconciler(svc, locker, cfg.Service.ReconcileInterval, zaplog)
	go reconciler.Run(ctx)

	return handler.Serve(ctx, cfg.Handler, auth, svc, zaplog)
}

func newStore(cfg storeConfig.Config, zaplog *zap.Logger) (store.Store, error) {
	if cfg.DBDsn == "" {
		zaplog.Warn("database is not configured, using in-memory store")
		return memstore.New(), nil
	}
	return store.NewStore(cfg)
}
