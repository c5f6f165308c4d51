// Package ledgerclient calls the order ledger HTTP API.
package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/orderledger/internal/handler"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

type Client interface {
	AppendEvent(ctx context.Context, tenant string, event handler.EventJSONRequest) (handler.EventJSONResponse, error)
	DeriveStatus(ctx context.Context, tenant string, orderID string) (handler.DeriveJSONResponse, error)
	Reconcile(ctx context.Context, tenant string) (handler.ReconcileJSONResponse, error)
	Allocations(ctx context.Context, tenant string, period Period) ([]handler.AllocationJSON, error)
	Revenue(ctx context.Context, tenant string, period Period) ([]handler.RevenueJSON, error)
}

// Period - отчетный диапазон, даты в формате YYYY-MM-DD включительно
type Period struct {
	From        string
	To          string
	Granularity string
}

func (p Period) query() map[string]string {
	query := map[string]string{"from": p.From, "to": p.To}
	if p.Granularity != "" {
		query["granularity"] = p.Granularity
	}
	return query
}

type client struct {
	rest *resty.Client
}

func New(serverAddr string, token string) Client {
	rest := resty.New().
		SetBaseURL(serverAddr).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json")
	return client{rest: rest}
}

func tenantPath(tenant string, path string) string {
	return "/api/tenants/" + tenant + path
}

// send выполняет запрос и разбирает JSON-ответ в out
func (c client) send(req *resty.Request, method string, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return json.Unmarshal(resp.Body(), out)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, resp.String())
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.String())
	default:
		return fmt.Errorf("ledger request status: %d", resp.StatusCode())
	}
}

func (c client) AppendEvent(ctx context.Context, tenant string, event handler.EventJSONRequest) (handler.EventJSONResponse, error) {
	var answer handler.EventJSONResponse
	req := c.rest.R().SetContext(ctx).SetBody(event)
	err := c.send(req, http.MethodPost, tenantPath(tenant, "/events"), &answer)
	return answer, err
}

func (c client) DeriveStatus(ctx context.Context, tenant string, orderID string) (handler.DeriveJSONResponse, error) {
	var answer handler.DeriveJSONResponse
	req := c.rest.R().SetContext(ctx)
	err := c.send(req, http.MethodPost, tenantPath(tenant, "/orders/"+orderID+"/derive"), &answer)
	return answer, err
}

func (c client) Reconcile(ctx context.Context, tenant string) (handler.ReconcileJSONResponse, error) {
	var answer handler.ReconcileJSONResponse
	req := c.rest.R().SetContext(ctx)
	err := c.send(req, http.MethodPost, tenantPath(tenant, "/reconcile"), &answer)
	return answer, err
}

func (c client) Allocations(ctx context.Context, tenant string, period Period) ([]handler.AllocationJSON, error) {
	var answer []handler.AllocationJSON
	req := c.rest.R().SetContext(ctx).SetQueryParams(period.query())
	err := c.send(req, http.MethodGet, tenantPath(tenant, "/allocations"), &answer)
	return answer, err
}

func (c client) Revenue(ctx context.Context, tenant string, period Period) ([]handler.RevenueJSON, error) {
	var answer []handler.RevenueJSON
	req := c.rest.R().SetContext(ctx).SetQueryParams(period.query())
	err := c.send(req, http.MethodGet, tenantPath(tenant, "/revenue"), &answer)
	return answer, err
}
