package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/orderledger/internal/auth"
	"github.com/iurnickita/orderledger/internal/handler/config"
	"github.com/iurnickita/orderledger/internal/logger"
	"github.com/iurnickita/orderledger/internal/model"
	"github.com/iurnickita/orderledger/internal/service"
	"github.com/iurnickita/orderledger/internal/store"
)

// Serve обслуживает HTTP API до отмены ctx
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zaplog.Info("HTTP server started", zap.String("addr", cfg.ServerAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type handler struct {
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern string, action auth.Action, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logger.RequestLogMdlw(h.auth.Middleware(action, fn), h.zaplog))
	}
	route("POST /api/tenants/{tenant}/orders", auth.ActionIngest, h.PostOrder)
	route("GET /api/tenants/{tenant}/orders/{order}", auth.ActionRead, h.GetOrder)
	route("POST /api/tenants/{tenant}/events", auth.ActionIngest, h.PostEvent)
	route("POST /api/tenants/{tenant}/orders/{order}/derive", auth.ActionReconcile, h.PostDerive)
	route("POST /api/tenants/{tenant}/reconcile", auth.ActionReconcile, h.PostReconcile)
	route("GET /api/tenants/{tenant}/allocations", auth.ActionRead, h.GetAllocations)
	route("GET /api/tenants/{tenant}/revenue", auth.ActionRead, h.GetRevenue)
	route("PUT /api/tenants/{tenant}/split-rules", auth.ActionConfigure, h.PutSplitRule)
	route("GET /api/tenants/{tenant}/split-rules", auth.ActionRead, h.GetSplitRules)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// writeError переводит ошибку сервиса в HTTP-статус
func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrOrderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	return nil
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var orderJSON OrderJSONRequest
	if err := decodeJSON(r, &orderJSON); err != nil {
		h.writeError(w, err)
		return
	}

	order, created, err := h.service.UpsertOrder(r.Context(), orderJSON.toModel(r.PathValue("tenant")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	h.writeJSON(w, code, newOrderResponse(order, nil))
}

func (h *handler) orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("order"))
	if err != nil {
		http.Error(w, "malformed order id", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	order, events, err := h.service.GetOrder(r.Context(), r.PathValue("tenant"), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newOrderResponse(order, events))
}

func (h *handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var eventJSON EventJSONRequest
	if err := decodeJSON(r, &eventJSON); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.service.AppendEvent(r.Context(), eventJSON.toModel(r.PathValue("tenant")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusCreated
	if result.Duplicate {
		code = http.StatusOK
	}
	h.writeJSON(w, code, EventJSONResponse{
		EventID:       result.EventID,
		Duplicate:     result.Duplicate,
		Status:        result.Status,
		StatusChanged: result.Changed,
	})
}

func (h *handler) PostDerive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	derivation, err := h.service.DeriveStatus(r.Context(), r.PathValue("tenant"), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DeriveJSONResponse{Status: derivation.Status, Unchanged: derivation.Unchanged})
}

// PostReconcile сверяет арендатора; необязательный as_of (RFC 3339) задает
// момент, от которого отсчитывается grace-период
func (h *handler) PostReconcile(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	var report model.ReconcileReport
	var err error
	if value := r.URL.Query().Get("as_of"); value != "" {
		asOf, parseErr := time.Parse(time.RFC3339, value)
		if parseErr != nil {
			h.writeError(w, errors.Join(service.ErrValidation, parseErr))
			return
		}
		report, err = h.service.ReconcileAsOf(r.Context(), tenant, asOf)
	} else {
		report, err = h.service.Reconcile(r.Context(), tenant)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ReconcileJSONResponse{
		Tenant:        report.Tenant,
		Orders:        report.Orders,
		EventsRemoved: report.EventsRemoved,
		StatusChanges: report.StatusChanges,
	})
}

func (h *handler) GetAllocations(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriodQuery(r, h.service.Location())
	if err != nil {
		h.writeError(w, err)
		return
	}
	rows, err := h.service.ComputeAllocations(r.Context(), r.PathValue("tenant"), period.from, period.to, period.granularity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	allocationsJSON := make([]AllocationJSON, 0, len(rows))
	for _, row := range rows {
		allocationsJSON = append(allocationsJSON, AllocationJSON{
			Period:      row.Period,
			PartnerType: row.PartnerType,
			PartnerName: row.PartnerName,
			Currency:    row.Currency,
			Amount:      row.Amount.StringFixed(2),
		})
	}
	h.writeJSON(w, http.StatusOK, allocationsJSON)
}

func (h *handler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriodQuery(r, h.service.Location())
	if err != nil {
		h.writeError(w, err)
		return
	}
	rows, err := h.service.Revenue(r.Context(), r.PathValue("tenant"), period.from, period.to, period.granularity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	revenueJSON := make([]RevenueJSON, 0, len(rows))
	for _, row := range rows {
		revenueJSON = append(revenueJSON, RevenueJSON{
			Period:      row.Period,
			Currency:    row.Currency,
			Gross:       row.Gross.StringFixed(2),
			Refunds:     row.Refunds.StringFixed(2),
			Fees:        row.Fees.StringFixed(2),
			Commissions: row.Commissions.StringFixed(2),
			Net:         row.Net.StringFixed(2),
			Orders:      row.Orders,
		})
	}
	h.writeJSON(w, http.StatusOK, revenueJSON)
}

func (h *handler) PutSplitRule(w http.ResponseWriter, r *http.Request) {
	var ruleJSON SplitRuleJSON
	if err := decodeJSON(r, &ruleJSON); err != nil {
		h.writeError(w, err)
		return
	}
	rule := ruleJSON.toModel(r.PathValue("tenant"))
	if err := h.service.PutSplitRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newSplitRuleJSON(rule))
}

func (h *handler) GetSplitRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListSplitRules(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	rulesJSON := make([]SplitRuleJSON, 0, len(rules))
	for _, rule := range rules {
		rulesJSON = append(rulesJSON, newSplitRuleJSON(rule))
	}
	h.writeJSON(w, http.StatusOK, rulesJSON)
}

type periodQuery struct {
	from        time.Time
	to          time.Time
	granularity model.Granularity
}

// parsePeriodQuery читает from и to (YYYY-MM-DD, обе даты включительно) в
// часовом поясе отчетов
func parsePeriodQuery(r *http.Request, loc *time.Location) (periodQuery, error) {
	query := r.URL.Query()
	period := periodQuery{granularity: model.Granularity(query.Get("granularity"))}
	if period.granularity == "" {
		period.granularity = model.GranularityMonth
	}

	from, err := time.ParseInLocation(time.DateOnly, query.Get("from"), loc)
	if err != nil {
		return periodQuery{}, errors.Join(service.ErrValidation, err)
	}
	to, err := time.ParseInLocation(time.DateOnly, query.Get("to"), loc)
	if err != nil {
		return periodQuery{}, errors.Join(service.ErrValidation, err)
	}
	period.from = from
	period.to = to.AddDate(0, 0, 1)
	return period, nil
}
