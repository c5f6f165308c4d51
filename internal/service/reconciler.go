package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/orderledger/internal/lock"
)

// Reconciler периодически сверяет журналы арендаторов.
// Один арендатор одновременно сверяется только одним процессом
type Reconciler struct {
	service  Service
	locker   lock.Locker
	interval time.Duration
	zaplog   *zap.Logger
}

func NewReconciler(service Service, locker lock.Locker, interval time.Duration, zaplog *zap.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		locker:   locker,
		interval: interval,
		zaplog:   zaplog,
	}
}

// Run блокируется до отмены ctx
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce сверяет всех арендаторов и возвращает число сверенных
func (r *Reconciler) RunOnce(ctx context.Context) int {
	tenants, err := r.service.Tenants(ctx)
	if err != nil {
		r.zaplog.Error("reconciliation: tenant list", zap.Error(err))
		return 0
	}

	reconciled := 0
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			break
		}
		if r.reconcileTenant(ctx, tenant) {
			reconciled++
		}
	}
	return reconciled
}

func (r *Reconciler) reconcileTenant(ctx context.Context, tenant string) bool {
	lease, ok, err := r.locker.TryLock(ctx, "reconcile:"+tenant)
	if err != nil {
		r.zaplog.Error("reconciliation: lock", zap.String("tenant", tenant), zap.Error(err))
		return false
	}
	if !ok {
		r.zaplog.Info("reconciliation: tenant is locked by another worker", zap.String("tenant", tenant))
		return false
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.zaplog.Warn("reconciliation: unlock", zap.String("tenant", tenant), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(runCtx, cancel, lease, tenant)
	}()

	_, err = r.service.Reconcile(runCtx, tenant)
	cancel()
	wg.Wait()
	if err != nil {
		r.zaplog.Error("reconciliation failed", zap.String("tenant", tenant), zap.Error(err))
		return false
	}
	return true
}

// keepAlive продлевает блокировку каждую треть TTL, пока идет сверка.
// Потеряв блокировку, отменяет сверку
func (r *Reconciler) keepAlive(ctx context.Context, cancel context.CancelFunc, lease lock.Lease, tenant string) {
	every := r.locker.TTL() / 3
	if every <= 0 {
		every = r.locker.TTL()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.zaplog.Warn("reconciliation: lock lost", zap.String("tenant", tenant), zap.Error(err))
				cancel()
				return
			}
		}
	}
}
